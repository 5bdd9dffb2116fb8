package stream

import (
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
)

// Boundary separates JPEG parts in the MJPEG response
const Boundary = "frame"

// ServeHTTP streams frames as multipart/x-mixed-replace until the client
// goes away
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(Boundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	flusher, _ := w.(http.Flusher)

	var seq uint64
	for {
		frame, next, err := p.Wait(r.Context(), seq)
		if err != nil {
			return
		}
		seq = next

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(frame))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
