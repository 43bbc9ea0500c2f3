package exchange

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/rangzen-mesh/core/internal/wireframe"
)

// writeJSONFrame marshals v to JSON and writes it as one length-prefixed
// frame (internal/wireframe), matching spec §6: "each frame is a
// length-prefixed byte buffer whose content is a UTF-8 JSON object."
func writeJSONFrame(w *bufio.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("exchange: marshal frame: %w", err)
	}
	return wireframe.WriteFrame(w, payload)
}

// readJSONFrame reads one length-prefixed frame and unmarshals it into v.
func readJSONFrame(r *bufio.Reader, v any) error {
	payload, err := wireframe.ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("exchange: unmarshal frame: %w", err)
	}
	return nil
}
