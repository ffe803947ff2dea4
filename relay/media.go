// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"llmrelay/platform/llm"
)

// Placeholder texts substituted for empty transcription and OCR
// replies. Downstream consumers persist these verbatim.
const (
	noSpeechPlaceholder = "[Audio processed. No spoken words detected (Music/Instrumental).]"
	noTextPlaceholder   = "Visual content only. No text detected in this image."

	// noTextToken is the marker the OCR prompt instructs the model to
	// emit when an image contains no readable text.
	noTextToken = "[NO_TEXT_DETECTED]"
)

const (
	ocrSystemPrompt = "You are an OCR engine. Extract all readable text from the image exactly as it appears, preserving line breaks. If the image contains no readable text, reply with exactly " + noTextToken + " and nothing else."
	ocrUserPrompt   = "Extract the text from this image."
)

// audioRequest is the /audio request body.
type audioRequest struct {
	URL   string `json:"url"`
	Model string `json:"model,omitempty"`
}

// handleAudio downloads audio from a URL, transcribes it, and returns
// the text. Errors still produce a 200: callers use the reply as a
// save signal and persist whatever text arrives.
func (s *Service) handleAudio(w http.ResponseWriter, r *http.Request) {
	var req audioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		s.writeError(w, "audio", http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.transcribeURL(r, req)
	if err != nil {
		s.log.Error("", "", "Audio processing failed", map[string]interface{}{
			"url":   req.URL,
			"error": err.Error(),
		})
		result = fmt.Sprintf("[Error processing audio: %s]", err.Error())
	}

	s.writeJSON(w, "audio", http.StatusOK, map[string]interface{}{
		"output": map[string]string{"result": result},
	})
}

// transcribeURL fetches the audio bytes and runs transcription.
func (s *Service) transcribeURL(r *http.Request, req audioRequest) (string, error) {
	httpReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, req.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("audio download returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	filename := path.Base(req.URL)
	if filename == "" || filename == "." || filename == "/" {
		filename = "audio.mp3"
	}

	text, err := s.transcriber.Transcribe(r.Context(), audio, filename, req.Model)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return noSpeechPlaceholder, nil
	}
	return text, nil
}

// ocrRequest is the /image/ocr request body.
type ocrRequest struct {
	ImageURL string `json:"image_url"`
}

// handleOCR extracts text from an image via a vision chat completion.
// Like /audio, errors return 200 with the error folded into the
// content by the save-signal convention.
func (s *Service) handleOCR(w http.ResponseWriter, r *http.Request) {
	var req ocrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ImageURL == "" {
		s.writeError(w, "image/ocr", http.StatusBadRequest, "image_url is required")
		return
	}

	content, err := s.extractText(r, req.ImageURL)
	if err != nil {
		s.log.Error("", "", "OCR processing failed", map[string]interface{}{
			"image_url": req.ImageURL,
			"error":     err.Error(),
		})
		content = fmt.Sprintf("Error processing image: %s", err.Error())
	}

	s.writeJSON(w, "image/ocr", http.StatusOK, map[string]string{"content": content})
}

// extractText runs the fixed OCR prompt pair against the OpenAI
// provider and normalizes the no-text cases.
func (s *Service) extractText(r *http.Request, imageURL string) (string, error) {
	chatReq := llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: ocrSystemPrompt},
			{Role: llm.RoleUser, Content: []llm.ContentPart{
				{Type: llm.PartTypeText, Text: ocrUserPrompt},
				{Type: llm.PartTypeImageURL, ImageURL: &llm.ImageURL{URL: imageURL}},
			}},
		},
	}

	resp, _, err := s.router.Chat(r.Context(), "openai", chatReq)
	if err != nil {
		return "", err
	}

	text := strings.TrimSpace(resp.Content())
	if text == "" || strings.Contains(text, noTextToken) {
		return noTextPlaceholder, nil
	}
	return text, nil
}
