package common

import (
	"runtime"
	"time"

	"github.com/getlantern/authflow/app"
)

const (
	Name    = app.Name
	Version = app.Version

	Platform = runtime.GOOS

	DefaultHTTPTimeout = 30 * time.Second
)
