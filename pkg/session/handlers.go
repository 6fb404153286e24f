package session

import (
	"encoding/json"
	"fmt"
)

// handleShowlist serves the fixed HTML asset for "/" and "/showlist".
func (s *Session) handleShowlist() []byte {
	return buildResponse(200, map[string]string{"Content-Type": "text/html; charset=utf-8"}, showlistHTML)
}

// fileListResponse is the JSON body of GET /api/GetBackupFiles.
type fileListResponse struct {
	Files []fileListEntry `json:"files"`
}

type fileListEntry struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Time     int64  `json:"time"`
}

// handleListFiles serves GET /api/GetBackupFiles: a JSON listing of every
// committed file.
func (s *Session) handleListFiles() []byte {
	snapshots := s.registry.ListAll()
	resp := fileListResponse{Files: make([]fileListEntry, 0, len(snapshots))}
	for _, sn := range snapshots {
		resp.Files = append(resp.Files, fileListEntry{Filename: sn.Name, Size: sn.Size, Time: sn.Time})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return buildResponse(500, map[string]string{"Content-Type": "application/json"}, []byte(`{"error":"internal error"}`))
	}
	return buildResponse(200, map[string]string{"Content-Type": "application/json"}, body)
}

// handleDelete serves DELETE /delete/<name>.
func (s *Session) handleDelete(name string) []byte {
	if err := s.registry.Delete(name); err != nil {
		return buildResponse(404, map[string]string{"Content-Type": "application/json"}, []byte(`{"error":"not found"}`))
	}
	return buildResponse(200, map[string]string{"Content-Type": "application/json"}, []byte(`{"status":"deleted"}`))
}

// uploadResult is the JSON body returned at the end of a multipart
// upload, summarizing every part the scanner recognized.
type uploadResult struct {
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
	TotalCount   int      `json:"total_count"`
	SuccessFiles []string `json:"success_files"`
	FailFiles    []string `json:"fail_files"`
}

// finalizeUpload builds the upload response from the scanner's tallies:
// 200 if every part succeeded, 400 if every part failed, 207 otherwise.
func (s *Session) finalizeUpload(scanner *multipartScanner) []byte {
	success := scanner.successFiles
	fail := scanner.failFiles
	if success == nil {
		success = []string{}
	}
	if fail == nil {
		fail = []string{}
	}

	result := uploadResult{
		SuccessCount: len(success),
		FailCount:    len(fail),
		TotalCount:   len(success) + len(fail),
		SuccessFiles: success,
		FailFiles:    fail,
	}

	var status int
	switch {
	case result.FailCount == 0 && result.SuccessCount > 0:
		status = 200
	case result.SuccessCount == 0:
		status = 400
	default:
		status = 207
	}

	for range success {
		s.recordUpload("success")
	}
	for range fail {
		s.recordUpload("fail")
	}

	body, err := json.Marshal(result)
	if err != nil {
		return buildResponse(500, map[string]string{"Content-Type": "application/json"}, []byte(`{"error":"internal error"}`))
	}
	return buildResponse(status, map[string]string{"Content-Type": "application/json"}, body)
}

func (s *Session) recordUpload(status string) {
	if s.metrics != nil {
		s.metrics.RecordUpload(status)
	}
}

// badRequest renders a generic 400 used for malformed requests (e.g. a
// multipart upload with a missing or malformed boundary).
func badRequest(reason string) []byte {
	return buildResponse(400, map[string]string{"Content-Type": "application/json"},
		[]byte(fmt.Sprintf(`{"error":%q}`, reason)))
}

// notFound renders a generic 404 used for invalid or absent filenames.
func notFound() []byte {
	return buildResponse(404, map[string]string{"Content-Type": "application/json"}, []byte(`{"error":"not found"}`))
}
