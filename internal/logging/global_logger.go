// Copyright 2026 The webrelay Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logging configures the process-wide logrus logger and routes gin output into it.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders entries as
//
//	[2026-03-02 20:14:04] [a1b2c3d4] [debug] [router.go:212] router armed | provider=deepseek, session=9f2c
//
// The request_id field fills the second column; other fields follow the message in key order.
type LogFormatter struct{}

// Format renders a single log entry.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID := "--------"
	if id, ok := entry.Data["request_id"].(string); ok && id != "" {
		reqID = id
	}
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	fmt.Fprintf(buffer, "[%s] [%s] [%-5s] ", entry.Time.Format("2006-01-02 15:04:05"), reqID, level)
	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buffer.WriteString(strings.TrimRight(entry.Message, "\r\n"))

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k != "request_id" {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		sort.Strings(keys)
		buffer.WriteString(" |")
		for i, k := range keys {
			if i > 0 {
				buffer.WriteByte(',')
			}
			fmt.Fprintf(buffer, " %s=%v", k, entry.Data[k])
		}
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and gin writers. It is safe to
// call multiple times; initialization happens only once.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			format = strings.TrimRight(format, "\r\n")
			log.StandardLogger().Infof(format, values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// SetDebug switches between debug and info level.
func SetDebug(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	log.SetLevel(log.InfoLevel)
}

// ConfigureLogOutput switches the global log destination between a rotating file under
// logDir and stdout. maxSizeMB is the rotation size.
func ConfigureLogOutput(loggingToFile bool, logDir string, maxSizeMB int) error {
	SetupBaseLogger()

	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if !loggingToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("logging: failed to create log directory: %w", err)
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "webrelay.log"),
		MaxSize:    maxSizeMB,
		MaxBackups: 5,
		MaxAge:     14,
	}
	log.SetOutput(logWriter)
	return nil
}

// GinLogger logs one line per API request, tagged with the request id when a handler
// stored one under "request_id".
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := log.Fields{
			"status":   c.Writer.Status(),
			"method":   c.Request.Method,
			"path":     path,
			"duration": time.Since(start).Round(time.Millisecond),
		}
		if id := c.GetString("request_id"); id != "" {
			fields["request_id"] = id
		}
		entry := log.WithFields(fields)
		switch {
		case len(c.Errors) > 0:
			entry.Warn(c.Errors.String())
		case c.Writer.Status() >= 500:
			entry.Warn("request failed")
		default:
			entry.Debug("request served")
		}
	}
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
