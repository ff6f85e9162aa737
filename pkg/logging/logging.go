package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	networkID string
	networkMu sync.Mutex
	debugOn   atomic.Bool
	jsonOn    atomic.Bool

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.RWMutex
)

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// Configure applies level ("debug", "info", ...) and format ("text" or "json")
func Configure(level, format string) {
	debugOn.Store(strings.EqualFold(level, "debug"))
	jsonOn.Store(strings.EqualFold(format, "json"))
	if jsonOn.Load() {
		log.SetFlags(0)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

// DebugEnabled reports whether Debugf output is written
func DebugEnabled() bool {
	return debugOn.Load()
}

// SetNetworkID sets the id used as log prefix
func SetNetworkID(id string) {
	if id == "" {
		return
	}
	networkMu.Lock()
	networkID = id
	networkMu.Unlock()
}

// GetNetworkID returns the id used as log prefix.
// Falls back to NETWORK_ID, then HOSTNAME, then the OS hostname.
func GetNetworkID() string {
	networkMu.Lock()
	defer networkMu.Unlock()
	if networkID == "" {
		networkID = os.Getenv("NETWORK_ID")
		if networkID == "" {
			networkID = os.Getenv("HOSTNAME")
		}
		if networkID == "" {
			networkID, _ = os.Hostname()
		}
		if networkID == "" {
			networkID = "unknown"
		}
	}
	return networkID
}

func render(level, msg string) string {
	id := GetNetworkID()
	if jsonOn.Load() {
		data, err := json.Marshal(struct {
			Time    string `json:"ts"`
			Level   string `json:"level"`
			Network string `json:"network"`
			Msg     string `json:"msg"`
		}{time.Now().UTC().Format(time.RFC3339Nano), level, id, msg})
		if err == nil {
			return string(data)
		}
	}
	return fmt.Sprintf("[network=%s] %s", id, msg)
}

func emit(logMsg string) {
	initLogWorker()
	logMu.RLock()
	defer logMu.RUnlock()
	if logChan == nil {
		log.Print(logMsg)
		return
	}
	// Non-blocking send: if channel is full, log synchronously
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Logf logs a formatted message with network ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	emit(render("info", fmt.Sprintf(format, v...)))
}

// Log logs a message with network ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	emit(render("info", fmt.Sprint(v...)))
}

// Debugf logs only when the level is debug
func Debugf(format string, v ...interface{}) {
	if !debugOn.Load() {
		return
	}
	emit(render("debug", fmt.Sprintf(format, v...)))
}

// Fatalf logs a fatal error and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	Flush()
	log.Fatal(render("fatal", fmt.Sprintf(format, v...)))
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
