package stream

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
)

const (
	maxTransactions = 32
	bodyPreviewLen  = 512
)

// HTTPTransaction holds extracted HTTP request/response data.
type HTTPTransaction struct {
	Method      string            `json:"method,omitempty"`
	URL         string            `json:"url,omitempty"`
	Host        string            `json:"host,omitempty"`
	StatusCode  int               `json:"statusCode,omitempty"`
	StatusText  string            `json:"statusText,omitempty"`
	ReqHeaders  map[string]string `json:"reqHeaders,omitempty"`
	RespHeaders map[string]string `json:"respHeaders,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	BodyPreview string            `json:"bodyPreview,omitempty"`
}

// parseHTTP pairs the requests in clientData with the responses in
// serverData. Keep-alive connections yield one transaction per request.
// Returns nil if the client side does not start with an HTTP request.
func parseHTTP(clientData, serverData []byte) []HTTPTransaction {
	if !looksLikeRequest(clientData) {
		return nil
	}

	var txs []HTTPTransaction
	reqs := bufio.NewReader(bytes.NewReader(clientData))
	for len(txs) < maxTransactions {
		req, err := http.ReadRequest(reqs)
		if err != nil {
			break
		}
		tx := HTTPTransaction{
			Method:      req.Method,
			URL:         req.URL.String(),
			Host:        req.Host,
			ReqHeaders:  flatten(req.Header),
			ContentType: req.Header.Get("Content-Type"),
		}
		_, _ = io.Copy(io.Discard, req.Body)
		req.Body.Close()
		txs = append(txs, tx)
	}

	resps := bufio.NewReader(bytes.NewReader(serverData))
	for i := range txs {
		var req *http.Request
		if txs[i].Method == http.MethodHead {
			req = &http.Request{Method: http.MethodHead}
		}
		resp, err := http.ReadResponse(resps, req)
		if err != nil {
			break
		}
		tx := &txs[i]
		tx.StatusCode = resp.StatusCode
		tx.StatusText = resp.Status
		tx.RespHeaders = flatten(resp.Header)
		if tx.ContentType == "" {
			tx.ContentType = resp.Header.Get("Content-Type")
		}
		tx.BodyPreview = preview(resp.Body)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	return txs
}

func looksLikeRequest(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	switch string(data[:4]) {
	case "GET ", "POST", "PUT ", "DELE", "HEAD", "PATC", "OPTI", "CONN", "TRAC":
		return true
	}
	return false
}

func flatten(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// preview reads the start of body, replacing non-printable bytes with '.'.
func preview(body io.Reader) string {
	buf := make([]byte, bodyPreviewLen)
	n, _ := io.ReadAtLeast(body, buf, 1)
	if n <= 0 {
		return ""
	}
	var sb strings.Builder
	for _, c := range buf[:n] {
		if c >= 32 && c < 127 || c == '\n' || c == '\r' || c == '\t' {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	return sb.String()
}
