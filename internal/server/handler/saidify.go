package handler

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/aspect-build/caxe/internal/version"
	"github.com/gin-gonic/gin"
)

type saidifyRequest struct {
	ReportURL string `json:"report_url" binding:"required"`
}

// HandleSaidify handles POST /v1/reports/saidify. The body is either the
// report itself or JSON naming a report URL; the response is the attribute
// block an issuer signs.
func HandleSaidify(client *http.Client, mediaType string, alg crypto.Algorithm, maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		var doc []byte
		ct, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
		if ct == "application/json" {
			var req saidifyRequest
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
				return
			}
			body, err := fetchReport(c.Request.Context(), client, req.ReportURL, maxBytes)
			if err != nil {
				logx.Warnf("saidify: fetch %s: %v", req.ReportURL, err)
				c.JSON(http.StatusBadGateway, gin.H{"msg": fmt.Sprintf("failed to fetch report: %v", err)})
				return
			}
			doc = body
		} else {
			body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes))
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"msg": "failed to read request body"})
				return
			}
			doc = body
		}

		attrs, err := report.Attributes(doc, mediaType, alg, time.Now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, attrs)
	}
}

func fetchReport(ctx context.Context, client *http.Client, rawURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("report exceeds %d bytes", maxBytes)
	}
	return body, nil
}
