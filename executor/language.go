package executor

// Language defines the interface for a WASM-based language runtime.
type Language interface {
	// Name returns a unique identifier for this language (e.g., "python").
	Name() string

	// Module returns the WASM binary for the language interpreter.
	Module() []byte

	// Args returns the command-line arguments that start the interpreter in
	// session mode.
	Args() []string

	// Env returns the guest environment given the guest paths of the
	// site-packages and mock directories.
	Env(siteDir, mockDir string) map[string]string

	// Bundled returns package names the interpreter image already provides.
	Bundled() []string
}
