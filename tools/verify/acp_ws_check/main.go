// Command acp_ws_check verifies the dashboard's bearer-token auth boundary:
// that it rejects unauthenticated requests and accepts authenticated ones,
// over both the REST surface and the browser chat widget's websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type wireEnvelope struct {
	Text string `json:"text"`
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:8080", "dashboard base URL")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "dashboard auth token")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	statusURL := strings.TrimRight(*baseURL, "/") + "/api/status"

	unauthReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		fatal("build unauthenticated request", err)
	}
	unauthResp, err := http.DefaultClient.Do(unauthReq)
	if err != nil {
		fatal("unauthenticated request", err)
	}
	unauthResp.Body.Close()
	if unauthResp.StatusCode != http.StatusUnauthorized {
		fatalf("expected 401 for missing auth, got %d", unauthResp.StatusCode)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	authReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		fatal("build authenticated request", err)
	}
	authReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(*token))
	authResp, err := http.DefaultClient.Do(authReq)
	if err != nil {
		fatal("authenticated request", err)
	}
	authResp.Body.Close()
	if authResp.StatusCode != http.StatusOK {
		fatalf("expected 200 for valid token, got %d", authResp.StatusCode)
	}
	fmt.Printf("AUTH_CHECK valid token accepted status=%d\n", authResp.StatusCode)

	wsURL := strings.Replace(strings.TrimRight(*baseURL, "/"), "http", "ws", 1) + "/chat/ws?thread=acp-ws-check"

	_, unauthWS, unauthWSErr := websocket.Dial(ctx, wsURL, nil)
	if unauthWSErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth websocket dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthWS == nil || unauthWS.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth websocket dial, got response=%v err=%v\n", unauthWS, unauthWSErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK chat widget rejected unauthenticated dial status=%d\n", unauthWS.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fatal("authorized chat widget dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	if err := wsjson.Write(ctx, conn, wireEnvelope{Text: "acp_ws_check ping"}); err != nil {
		fatal("write chat widget envelope", err)
	}
	fmt.Println("AUTH_CHECK chat widget accepted authenticated envelope")

	fmt.Println("VERDICT PASS")
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
