package proxy

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Blob handshake endpoints. Ollama clients HEAD a digest before
// uploading layer content during create; the proxy stores the bytes and
// never looks at them again.

func (pm *ProxyManager) blobHeadHandler(c *gin.Context) {
	exists, err := pm.blobs.Exists(c.Param("digest"))
	if err != nil {
		pm.sendError(c, err)
		return
	}
	if !exists {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusOK)
}

func (pm *ProxyManager) blobPostHandler(c *gin.Context) {
	if err := pm.blobs.Put(c.Param("digest"), c.Request.Body); err != nil {
		pm.sendError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}
