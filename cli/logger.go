package cli

import (
	"io"
	"os"

	"github.com/jedisct1/dlog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSize    = 10 // MB
	logMaxAge     = 7  // days
	logMaxBackups = 1
)

// Logger opens a rotated activity log. Special files such as FIFOs are
// appended to directly, everything else goes through rotation.
func Logger(fileName string) io.Writer {
	if fileName == "/dev/stdout" {
		return os.Stdout
	}
	if st, _ := os.Stat(fileName); st != nil && !st.Mode().IsRegular() {
		if st.Mode().IsDir() {
			dlog.Fatalf("[%v] is a directory", fileName)
		}
		fp, err := os.OpenFile(fileName, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
		if err != nil {
			dlog.Fatalf("Unable to access [%v]: [%v]", fileName, err)
		}
		return fp
	}
	return &lumberjack.Logger{
		LocalTime:  true,
		MaxSize:    logMaxSize,
		MaxAge:     logMaxAge,
		MaxBackups: logMaxBackups,
		Filename:   fileName,
		Compress:   true,
	}
}
