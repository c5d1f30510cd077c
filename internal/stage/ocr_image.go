package stage

import (
	"context"
	"strings"

	"github.com/kalambet/docket/internal/engine"
)

const visionPrompt = `Transcribe all text visible in this image exactly as written, preserving line breaks. Output only the transcription with no commentary. If the image contains no text, output nothing.`

// VisionRecognizer reads images with a vision-capable chat model.
type VisionRecognizer struct {
	chat  engine.Chatter
	model string
}

// NewVisionRecognizer creates a VisionRecognizer.
func NewVisionRecognizer(chat engine.Chatter, model string) *VisionRecognizer {
	return &VisionRecognizer{chat: chat, model: model}
}

func (v *VisionRecognizer) Recognize(ctx context.Context, _ string, data []byte) (string, error) {
	out, err := v.chat.Chat(ctx, v.model, []engine.Message{
		{Role: "user", Content: visionPrompt, Images: [][]byte{data}},
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
