package logs

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"termcall/conf"
)

// Setup routes log output to a file next to the profile so the renderer owns
// the terminal exclusively. Verbose mode lowers the level to debug.
func Setup(configPath string, verbose bool) (func(), error) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	dir := filepath.Dir(configPath)
	f, err := os.OpenFile(filepath.Join(dir, "termcall.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		// keep running without a sink rather than fail startup
		logrus.SetOutput(io.Discard)
		return func() {}, nil
	}
	logrus.SetOutput(f)
	return func() { _ = f.Close() }, nil
}

// LogV prints a formatted debug message only when verbose logging is enabled.
func LogV(format string, args ...interface{}) {
	if conf.Verbose {
		logrus.Debugf(format, args...)
	}
}
