package proxy

import (
	"bytes"
	"net/http"
)

// ResponseRecorder is a custom response recorder that implements
// http.ResponseWriter to capture a buffered upstream response before it
// reaches the client, so the passthrough handler can swap the resolved
// model id back for the client-facing name.
type ResponseRecorder struct {
	http.ResponseWriter
	body   bytes.Buffer
	header http.Header
	status int
}

func NewResponseRecorder(writer http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: writer,
		body:           bytes.Buffer{},
		header:         make(http.Header),
		status:         http.StatusOK,
	}
}

func (r *ResponseRecorder) Header() http.Header {
	return r.header
}

func (r *ResponseRecorder) Write(b []byte) (int, error) {
	return r.body.Write(b)
}

func (r *ResponseRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
}

func (r *ResponseRecorder) Body() []byte {
	return r.body.Bytes()
}

func (r *ResponseRecorder) SetBody(b []byte) {
	r.body.Reset()
	r.body.Write(b)
}

func (r *ResponseRecorder) WriteToOriginal() {
	for k, v := range r.header {
		r.ResponseWriter.Header()[k] = v
	}
	// the body may have been rewritten, so the recorded length is stale
	r.ResponseWriter.Header().Del("Content-Length")
	r.ResponseWriter.WriteHeader(r.status)
	r.ResponseWriter.Write(r.body.Bytes())
}
