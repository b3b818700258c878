package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// CorrelationHeader carries the submission's correlation id.
const CorrelationHeader = "X-Correlation-Id"

var keepAliveLine = []byte("\n")

// Submitter accepts reports for verification.
type Submitter interface {
	Submit(doc []byte) (*pipeline.Waiter, error)
	SubmitURL(rawURL string) (*pipeline.Waiter, error)
	Abandon(id string)
}

// HandleVerify handles POST /v1/verify. The body is the report itself.
func HandleVerify(s Submitter, keepAlive time.Duration, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"msg": pipeline.ErrDocumentTooLarge.Error()})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"msg": "failed to read request body"})
			return
		}

		w, err := s.Submit(body)
		if err != nil {
			rejectSubmission(c, err)
			return
		}
		streamResult(c, s, w, keepAlive)
	}
}

// HandleVerifyURL handles GET /v1/verify?url=. The report is fetched by
// the scheduler before its credential links are resolved.
func HandleVerifyURL(s Submitter, keepAlive time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawURL := c.Query("url")
		if rawURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"msg": "missing url query parameter"})
			return
		}

		w, err := s.SubmitURL(rawURL)
		if err != nil {
			rejectSubmission(c, err)
			return
		}
		streamResult(c, s, w, keepAlive)
	}
}

func rejectSubmission(c *gin.Context, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, pipeline.ErrDocumentTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	logx.Debugf("verify: rejected submission: %v", err)
	c.JSON(status, gin.H{"msg": err.Error()})
}

// streamResult holds the response open until the waiter yields, writing a
// newline every keepAlive. When the deadline passes first the response ends
// with no payload.
func streamResult(c *gin.Context, s Submitter, w *pipeline.Waiter, keepAlive time.Duration) {
	log := logx.With("correlation_id", w.ID)

	c.Header(CorrelationHeader, w.ID)
	c.Header("Content-Type", "application/json")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	deadline := time.NewTimer(time.Until(w.Deadline))
	defer deadline.Stop()
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	delivered := false
	c.Stream(func(out io.Writer) bool {
		select {
		case res := <-w.C:
			delivered = true
			if err := json.NewEncoder(out).Encode(res); err != nil {
				log.Warnf("write result: %v", err)
			}
			return false
		case <-ticker.C:
			if _, err := out.Write(keepAliveLine); err != nil {
				return false
			}
			return true
		case <-deadline.C:
			log.Infof("verification timed out")
			return false
		case <-c.Request.Context().Done():
			log.Infof("client disconnected")
			return false
		}
	})

	if !delivered {
		s.Abandon(w.ID)
	}
}
