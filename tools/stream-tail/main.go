// stream-tail follows a supercheck event stream and prints one line per
// lifecycle event. Development utility for watching runs move through the
// queue without a frontend.
//
//	STREAM_URL  stream endpoint (default: "http://localhost:8080/api/events")
//	TOKEN       bearer token (any value works against AUTH_MODE=none)
//	PROJECT_ID  restrict the stream to one project (optional)
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

type event struct {
	JobType   string `json:"jobType"`
	Queue     string `json:"queue"`
	JobID     string `json:"jobId"`
	RunID     string `json:"runId"`
	JobName   string `json:"jobName"`
	Event     string `json:"event"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func main() {
	streamURL := "http://localhost:8080/api/events"
	if v := os.Getenv("STREAM_URL"); v != "" {
		streamURL = v
	}
	if projectID := os.Getenv("PROJECT_ID"); projectID != "" {
		sep := "?"
		if strings.Contains(streamURL, "?") {
			sep = "&"
		}
		streamURL += sep + "project_id=" + url.QueryEscape(projectID)
	}
	token := os.Getenv("TOKEN")
	if token == "" {
		token = "dev"
	}

	log.Printf("tailing %s", streamURL)
	for {
		if err := tail(streamURL, token); err != nil {
			log.Printf("stream interrupted: %v (reconnecting in 2s)", err)
		}
		time.Sleep(2 * time.Second)
	}
}

func tail(streamURL, token string) error {
	req, err := http.NewRequest(http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		printEvent(strings.TrimPrefix(line, "data: "))
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed")
}

func printEvent(payload string) {
	var ev event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("unparseable event: %s", payload)
		return
	}

	name := ev.JobName
	if name == "" {
		name = ev.JobID
	}
	status := ev.Status
	if status == "" {
		status = "-"
	}
	fmt.Printf("%s  %-13s %-10s %-8s %s\n", ev.Timestamp, ev.Queue, ev.Event, status, name)
}
