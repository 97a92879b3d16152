package term

// Surface is a rendering target an adapter binds to. The websocket
// layer implements it for browser terminals; tests use an in-memory
// fake. Implementations must not block in Write or Resize.
type Surface interface {
	// Write delivers raw terminal output.
	Write(data []byte)

	// Resize tells the surface the terminal dimensions changed.
	Resize(cols, rows uint16)

	// Lines enumerates the rendered lines in order, or returns nil
	// when the surface cannot enumerate them.
	Lines() []string

	// Cursor reports the rendered cursor position when known.
	Cursor() (x, y int, ok bool)

	// Fit reports the dimensions the surface wants after a layout
	// change.
	Fit() (cols, rows uint16, ok bool)

	Focus()
	Blur()
	ScrollToTop()
	ScrollToBottom()

	// Unbind tells the surface the adapter released it.
	Unbind()

	// Dispose tells the surface it will never be bound again.
	Dispose()
}
