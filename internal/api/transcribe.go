package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/chaz8081/gostt-server/internal/stage"
	"github.com/chaz8081/gostt-server/internal/transcribe"
)

// multipartMemory is how much of an upload is buffered in memory before
// net/http spills it to disk.
const multipartMemory = 32 << 20

// parseForm reads a multipart or urlencoded body within the upload limit.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	err := r.ParseMultipartForm(multipartMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return invalid("invalid form body: " + err.Error())
	}
	return nil
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, hdr, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, r, invalid("missing audio file in form field \"audio\""))
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(data) == 0 {
		s.writeError(w, r, invalid("audio file is empty"))
		return
	}

	encoding := hdr.Header.Get("Content-Type")
	if encoding == "" {
		encoding = stage.DefaultEncoding
	}
	s.log.Info("Transcribing upload",
		"request_id", requestID(r.Context()),
		"file", hdr.Filename,
		"bytes", len(data),
		"encoding", encoding)

	res, err := s.stt.Transcribe(r.Context(), transcribe.Request{
		Audio:    data,
		Encoding: encoding,
		Language: r.FormValue("language"),
		Size:     r.FormValue("model"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(w, r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	res, err := s.stt.Load(r.Context(), r.FormValue("model"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	if err := s.stt.Unload(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "model unloaded"})
}
