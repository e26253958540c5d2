package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/benchwatch/benchwatch/pkg/benchwatch"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// A Watcher is the part of [benchwatch.Watcher] the web server drives.
type Watcher interface {
	Trigger(benchwatch.PushEvent)
	Status() *benchwatch.RunStatus
}

type httpServer struct {
	watcher Watcher

	secret []byte // The shared webhook secret, or empty to accept unsigned deliveries
}

// New starts the web server on the passed port. Push deliveries to /github
// re-trigger evaluation of the repository head, /status reports the most
// recent evaluation.
func New(port int, watcher Watcher, secret []byte) error {
	server := &httpServer{
		watcher: watcher,
		secret:  secret,
	}

	go server.router().Run(fmt.Sprintf(":%d", port))
	return nil
}

func (h *httpServer) router() *gin.Engine {
	router := gin.Default()

	router.POST("/github", h.postGithub)
	router.GET("/status", h.getStatus)
	router.GET("/healthz", h.getHealthz)

	return router
}

// pushPayload is the subset of github's push event the server consumes.
type pushPayload struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

func (h *httpServer) postGithub(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 && !validSignature(h.secret, body, c.GetHeader("X-Hub-Signature-256")) {
		logrus.Warnf("Rejected webhook delivery with invalid signature from %s", c.ClientIP())
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	// Ping and other non-push events are acknowledged without triggering
	if event := c.GetHeader("X-GitHub-Event"); event != "" && event != "push" {
		c.Status(http.StatusOK)
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	h.watcher.Trigger(benchwatch.PushEvent{
		Ref:   payload.Ref,
		After: payload.After,
	})
	c.Status(http.StatusAccepted)
}

func (h *httpServer) getStatus(c *gin.Context) {
	status := h.watcher.Status()
	if status == nil {
		c.JSON(http.StatusOK, gin.H{"outcome": "none"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpServer) getHealthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// validSignature checks a github webhook signature of the form
// "sha256=<hex hmac of the body>" against the shared secret.
func validSignature(secret, body []byte, header string) bool {
	signature, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
