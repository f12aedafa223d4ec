package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Standalone mock transcription engine for exercising external engine mode:
//
//	go run test_transcription_server.go
//	# then point the dev server at it:
//	# engine: { mode: external, endpoint: "http://localhost:8091/transcribe" }

type TranscriptionResponse struct {
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	Language    string    `json:"language"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

var replies = []string{
	"So tell me about the most interesting system you have built recently",
	"How do you usually approach debugging a latency regression",
	"What would you change about your current architecture if you could start over",
	"Walk me through how you handle disagreements about technical direction",
}

var replyIndex int

func transcribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	requestID := r.FormValue("request_id")
	format := r.FormValue("format")
	sampleRate := r.FormValue("sample_rate")
	duration := r.FormValue("duration")
	speakerID := r.FormValue("speaker_id")

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Error getting audio file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	audioData, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Error reading audio file", http.StatusInternalServerError)
		return
	}

	log.Printf("🎤 TRANSCRIPTION REQUEST RECEIVED:")
	log.Printf("  ═══════════════════════════════════")
	log.Printf("    Request ID: %s", requestID)
	log.Printf("    Speaker ID: %s", speakerID)
	log.Printf("    Duration: %s seconds", duration)
	log.Printf("  ═══════════════════════════════════")
	log.Printf("  🎧 Audio Info:")
	log.Printf("    Filename: %s", header.Filename)
	log.Printf("    Format: %s @ %s Hz", format, sampleRate)
	log.Printf("    Audio Size: %d bytes", len(audioData))
	log.Printf("    Content-Type: %s", header.Header.Get("Content-Type"))

	// Simulate processing time
	time.Sleep(200 * time.Millisecond)

	response := TranscriptionResponse{
		Text:        replies[replyIndex%len(replies)],
		Confidence:  0.95,
		Language:    "en",
		Duration:    parseFloat64(duration),
		ProcessedAt: time.Now(),
	}
	replyIndex++

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)

	log.Printf("✅ TRANSCRIPTION RESPONSE SENT: '%s'", response.Text)
	log.Println("---")
}

func parseFloat64(s string) float64 {
	var val float64
	fmt.Sscanf(s, "%f", &val)
	return val
}

func main() {
	http.HandleFunc("/transcribe", transcribeHandler)

	port := ":8091"
	log.Printf("🚀 Mock transcription engine starting on port %s", port)
	log.Printf("📡 Endpoint: http://localhost%s/transcribe", port)
	log.Println("Waiting for transcription requests...")

	if err := http.ListenAndServe(port, nil); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}
