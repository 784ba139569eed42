package worker

import "net/http"

const offlineDocument = `<!DOCTYPE html><html><head><title>Offline</title></head><body><h1>You are offline</h1><p>Please go back and try again when online.</p></body></html>`

// offlineResponse 是导航请求的最终兜底，总是成功。
func offlineResponse() *Response {
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   []byte(offlineDocument),
		Source: SourceOffline,
	}
}
