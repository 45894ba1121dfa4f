// Package logger — логирование с префиксом сервиса и асинхронной записью, чтобы обработчики
// событий чата не блокировались на выводе. Уровень задаётся LOG_LEVEL.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const asyncBufferSize = 4096

var (
	prefix   string
	logLevel = levelInfo
	ch       chan string
	once     sync.Once
	inflight sync.WaitGroup
)

type level int

const (
	levelDebug level = iota
	levelInfo
)

func parseLevel(s string) level {
	switch s {
	case "debug", "trace":
		return levelDebug
	default:
		return levelInfo
	}
}

func initWorker() {
	logLevel = parseLevel(os.Getenv("LOG_LEVEL"))
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
			inflight.Done()
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	inflight.Add(1)
	select {
	case ch <- msg:
	default:
		// Буфер полон — не блокируем, теряем строку
		inflight.Done()
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "bridge").
func SetPrefix(p string) {
	prefix = p
}

// SetLevel переопределяет LOG_LEVEL (значение из конфига).
func SetLevel(s string) {
	once.Do(initWorker)
	logLevel = parseLevel(s)
}

// Flush ждёт, пока очередь будет записана. Вызывается перед выходом из процесса.
func Flush() {
	inflight.Wait()
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	once.Do(initWorker)
	if logLevel != levelDebug {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя операции и время выполнения в миллисекундах.
// При LOG_LEVEL=info пишутся только вызовы дольше 100ms.
func LogDuration(fn string, start time.Time) {
	once.Do(initWorker)
	elapsed := time.Since(start)
	if logLevel == levelDebug || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration: defer logger.DeferLogDuration("session.SendMessage", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
