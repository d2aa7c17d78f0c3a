//go:build wasip1

// Mock interpreter for testing executor logic without a real Python image.
// Build with: GOOS=wasip1 GOARCH=wasm go build -o mock.wasm mock.go
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	fmt.Fprint(os.Stderr, "\x00CELLRUN_READY\x00")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var cmd struct {
			Type   string   `json:"type"`
			Code   string   `json:"code"`
			Forget []string `json:"forget"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}

		if cmd.Type == "exit" {
			break
		}
		if cmd.Type != "exec" {
			continue
		}

		switch code := cmd.Code; {
		case strings.HasPrefix(code, "error:"):
			fmt.Fprint(os.Stderr, "\x00CELLRUN_ERROR:"+strings.TrimPrefix(code, "error:")+"\x00")
			continue
		case strings.HasPrefix(code, "call:"):
			req, _ := json.Marshal(map[string]any{"fn": strings.TrimPrefix(code, "call:"), "args": map[string]any{}})
			fmt.Fprint(os.Stderr, "\x00CELLRUN:"+string(req)+"\x00")
			if scanner.Scan() {
				fmt.Print(scanner.Text())
			}
		case strings.HasPrefix(code, "sleep:"):
			d, _ := time.ParseDuration(strings.TrimPrefix(code, "sleep:"))
			time.Sleep(d)
			fmt.Print("slept")
		case strings.HasPrefix(code, "stderr:"):
			fmt.Fprint(os.Stderr, strings.TrimPrefix(code, "stderr:"))
		case code == "forget":
			fmt.Print(strings.Join(cmd.Forget, ","))
		case code == "exit":
			os.Exit(3)
		default:
			fmt.Print(code)
		}
		fmt.Fprint(os.Stderr, "\x00CELLRUN_DONE\x00")
	}
}
