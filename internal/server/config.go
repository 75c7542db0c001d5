package server

// Config configures a ControlServer's HTTP listener. AppConfig-style
// defaults (the browser, discovery rules, etc.) live in internal/config and
// are threaded in via the Core the server wraps, not duplicated here.
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":5338".
	ListenAddr string
}
