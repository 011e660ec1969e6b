package dashboard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"helmsman/internal/logging"
)

// How often the log tail re-checks the file for appended lines.
const logPollEvery = 500 * time.Millisecond

// loopLogPath is today's session narrative log inside the log directory.
// File naming follows the logging package: <date>_<category>.log.
func loopLogPath(dir string) string {
	date := time.Now().Format("2006-01-02")
	return filepath.Join(dir, fmt.Sprintf("%s_%s.log", date, logging.CategoryLoop))
}

// serveLogTail streams the session narrative log over SSE, one "log" event
// per line. Event ids are line numbers, so a reconnecting client resumes
// from Last-Event-ID without replaying lines it already has. The file is
// polled; it may not exist yet when the stream starts.
func serveLogTail(w http.ResponseWriter, r *http.Request, dir string, retryMillis int, heartbeatEvery time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if retryMillis <= 0 {
		retryMillis = 3000
	}
	fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	var skip uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		skip, _ = strconv.ParseUint(last, 10, 64)
	}

	if heartbeatEvery <= 0 {
		heartbeatEvery = 25 * time.Second
	}
	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	poll := time.NewTicker(logPollEvery)
	defer poll.Stop()

	path := loopLogPath(dir)
	var file *os.File
	var reader *bufio.Reader
	defer func() {
		if file != nil {
			file.Close()
		}
	}()

	var lineNo uint64
	var pending string
	drain := func() bool {
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				return true // not written yet; keep polling
			}
			file = f
			reader = bufio.NewReader(f)
		}
		for {
			chunk, err := reader.ReadString('\n')
			if err == io.EOF {
				// Hold a partial line until its newline arrives.
				pending += chunk
				return true
			}
			if err != nil {
				return false
			}
			line := pending + chunk[:len(chunk)-1]
			pending = ""
			lineNo++
			if lineNo <= skip {
				continue
			}
			data, merr := json.Marshal(line)
			if merr != nil {
				continue
			}
			if _, werr := fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", lineNo, data); werr != nil {
				return false
			}
			flusher.Flush()
		}
	}

	if !drain() {
		return
	}
	for {
		select {
		case <-poll.C:
			if !drain() {
				return
			}
		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
