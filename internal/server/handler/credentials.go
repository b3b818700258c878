package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/gin-gonic/gin"
)

// CredentialSource exposes verified credentials.
type CredentialSource interface {
	Credentials() ([]db.Credential, error)
	StoredCredential(said string) (*db.Credential, error)
	Credential(said string) (*attestation.Attestation, error)
}

type credentialView struct {
	SAID       string          `json:"said"`
	Issuer     string          `json:"issuer"`
	RegK       string          `json:"regk"`
	Schema     string          `json:"schema"`
	Attributes json.RawMessage `json:"attributes"`
	CreatedAt  time.Time       `json:"created_at"`
}

func newCredentialView(cred *db.Credential) credentialView {
	return credentialView{
		SAID:       cred.SAID,
		Issuer:     cred.Issuer,
		RegK:       cred.RegK,
		Schema:     cred.Schema,
		Attributes: json.RawMessage(cred.Attributes),
		CreatedAt:  cred.CreatedAt,
	}
}

// HandleListCredentials handles GET /v1/credentials.
func HandleListCredentials(src CredentialSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds, err := src.Credentials()
		if err != nil {
			logx.Errorf("list credentials: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "database error"})
			return
		}
		views := make([]credentialView, 0, len(creds))
		for i := range creds {
			views = append(views, newCredentialView(&creds[i]))
		}
		c.JSON(http.StatusOK, views)
	}
}

// HandleGetCredential handles GET /v1/credentials/:said. The attestation is
// included when the attribute block carries one.
func HandleGetCredential(src CredentialSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		said := c.Param("said")

		cred, err := src.StoredCredential(said)
		if err != nil {
			logx.Errorf("get credential %s: %v", said, err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "database error"})
			return
		}
		if cred == nil {
			c.JSON(http.StatusNotFound, gin.H{"msg": "credential not found"})
			return
		}

		resp := gin.H{"credential": newCredentialView(cred)}
		att, err := src.Credential(said)
		switch {
		case err == nil:
			resp["attestation"] = att
		case errors.Is(err, attestation.ErrNoReportDigest), errors.Is(err, attestation.ErrInvalidAttributes):
			resp["attestation_error"] = err.Error()
		default:
			logx.Errorf("decode credential %s: %v", said, err)
			c.JSON(http.StatusInternalServerError, gin.H{"msg": "failed to decode credential"})
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
