package log

import "log/slog"

func ProcID[T ~string](id T) slog.Attr {
	return slog.String("procedure_id", string(id))
}

func TaskID[T ~string](id T) slog.Attr {
	return slog.String("task_id", string(id))
}

func MessageID[T ~string](id T) slog.Attr {
	return slog.String("message_id", string(id))
}

func NodeID[T ~string](id T) slog.Attr {
	return slog.String("node_id", string(id))
}

func Checkpoint(name string) slog.Attr {
	return slog.String("checkpoint", name)
}

func Agent(name string) slog.Attr {
	return slog.String("agent", name)
}

func Tool(name string) slog.Attr {
	return slog.String("tool", name)
}

func Status[T ~string](status T) slog.Attr {
	return slog.String("status", string(status))
}

func Stage(name string) slog.Attr {
	return slog.String("stage", name)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
