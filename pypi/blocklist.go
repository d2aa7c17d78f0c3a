package pypi

// DefaultBlocked lists packages that cannot work in the WASM interpreter.
var DefaultBlocked = map[string]string{
	// C extensions
	"numpy":         "requires C extensions",
	"pandas":        "requires C extensions (numpy)",
	"scipy":         "requires C extensions",
	"tensorflow":    "requires C extensions",
	"torch":         "requires C extensions",
	"pytorch":       "requires C extensions",
	"scikit-learn":  "requires C extensions",
	"sklearn":       "requires C extensions",
	"matplotlib":    "requires C extensions",
	"pillow":        "requires C extensions",
	"pil":           "requires C extensions",
	"opencv-python": "requires C extensions",
	"cv2":           "requires C extensions",
	"psycopg2":      "requires C extensions",
	"mysqlclient":   "requires C extensions",
	"cryptography":  "requires C extensions",
	"bcrypt":        "requires C extensions",
	"lxml":          "requires C extensions",
	"grpcio":        "requires C extensions",
	"watchfiles":    "requires C extensions (register a mock instead)",
	// Socket-based
	"aiohttp":  "uses async sockets",
	"uvicorn":  "requires sockets (ASGI server not supported)",
	"gunicorn": "requires sockets (WSGI server not supported)",
}
