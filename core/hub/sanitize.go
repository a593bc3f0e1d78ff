package hub

import (
	"fmt"
	"html"
	"math"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/planlock/planlock/core/infra/schema"
	"github.com/planlock/planlock/core/protocol/wire"
)

var (
	cursorSchemaOnce sync.Once
	cursorSchema     *jsonschema.Schema
	cursorSchemaErr  error
)

func compiledCursorSchema() (*jsonschema.Schema, error) {
	cursorSchemaOnce.Do(func() {
		cursorSchema, cursorSchemaErr = schema.Compile("cursor_move", wire.Schema(wire.EventCursorMove))
	})
	return cursorSchema, cursorSchemaErr
}

// sanitizeCursor validates an inbound CURSOR_MOVE payload and returns a
// cleaned copy safe to rebroadcast. Free-text fields are HTML-escaped so a
// crafted name cannot carry markup into peer UIs; coordinates must be finite
// and inside the canvas bounds the schema declares.
func sanitizeCursor(data []byte) (*wire.CursorPosition, error) {
	compiled, err := compiledCursorSchema()
	if err != nil {
		return nil, fmt.Errorf("cursor schema unavailable: %w", err)
	}
	if err := schema.Validate(compiled, data); err != nil {
		return nil, err
	}
	pos, err := wire.DecodeCursor(data)
	if err != nil {
		return nil, err
	}
	// NaN and Inf survive schema numeric checks in some encoders; reject
	// them explicitly.
	if math.IsNaN(pos.X) || math.IsInf(pos.X, 0) || math.IsNaN(pos.Y) || math.IsInf(pos.Y, 0) {
		return nil, fmt.Errorf("cursor coordinates must be finite")
	}
	pos.UserID = html.EscapeString(pos.UserID)
	pos.UserName = html.EscapeString(pos.UserName)
	pos.EntityID = html.EscapeString(pos.EntityID)
	return pos, nil
}
