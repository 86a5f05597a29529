package httpapi

import (
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the structured logger used by the HTTP layer.
var zlog = zerolog.Nop()

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// read once
var defaultLogLevel = parseLevel(os.Getenv("BATCHD_REQUEST_LOG"))

// SetRequestLogLevel changes the default per-request log level.
func SetRequestLogLevel(s string) { defaultLogLevel = parseLevel(s) }

func requestLogLevel(r *http.Request) LogLevel {
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}

// requestLog carries the per-request fields of an infer call.
type requestLog struct {
	lvl      LogLevel
	r        *http.Request
	identity string
	model    string
	start    time.Time
}

func newRequestLog(r *http.Request, identity, model string) *requestLog {
	return &requestLog{lvl: requestLogLevel(r), r: r, identity: identity, model: model, start: time.Now()}
}

func (l *requestLog) event(e *zerolog.Event) *zerolog.Event {
	e = e.Str("path", l.r.URL.Path).Str("identity", l.identity).Str("model", l.model)
	if rid := middleware.GetReqID(l.r.Context()); rid != "" {
		e = e.Str("request_id", rid)
	}
	return e
}

func (l *requestLog) started() {
	if l.lvl >= LevelInfo {
		l.event(zlog.Info()).Msg("infer start")
	}
}

// ended logs the outcome; failures are logged from LevelError up.
func (l *requestLog) ended(status int, err error) {
	switch {
	case err != nil && l.lvl >= LevelError:
		l.event(zlog.Warn()).Int("status", status).Dur("dur", time.Since(l.start)).Err(err).Msg("infer end")
	case err == nil && l.lvl >= LevelInfo:
		l.event(zlog.Info()).Int("status", status).Dur("dur", time.Since(l.start)).Msg("infer end")
	}
}

// result logs the generated content at debug level.
func (l *requestLog) result(content string) {
	if l.lvl >= LevelDebug {
		l.event(zlog.Debug()).Str("content", content).Msg("infer result")
	}
}
