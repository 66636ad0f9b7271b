package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (pm *ProxyManager) listTagsHandler(c *gin.Context) {
	catalog, err := pm.upstream.ListCatalog(c.Request.Context())
	if err != nil {
		pm.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, tagsFromCatalog(catalog, pm.aliases.List()))
}

func (pm *ProxyManager) psHandler(c *gin.Context) {
	catalog, err := pm.upstream.ListCatalog(c.Request.Context())
	if err != nil {
		pm.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, psFromCatalog(catalog, pm.aliases.List()))
}

func (pm *ProxyManager) showHandler(c *gin.Context) {
	var req ShowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	name := req.modelName()
	if name == "" {
		pm.sendError(c, invalidRequestf("model is required"))
		return
	}

	ctx := c.Request.Context()
	alias, isAlias := pm.aliases.Get(name)
	if !isAlias {
		// confirm the name exists upstream before describing it
		if _, err := pm.resolver.Resolve(ctx, name); err != nil {
			pm.sendError(c, err)
			return
		}
	}

	catalog, err := pm.upstream.ListCatalog(ctx)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	c.JSON(http.StatusOK, showResponseFor(name, alias, isAlias, catalog))
}

// parseAdapters accepts either Ollama's map shape (name -> digest) or a
// plain list of adapter identifiers, preserving order for the list form.
func parseAdapters(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, invalidRequestf("adapters must be a list or a map")
	}
	out := make([]string, 0, len(asMap))
	for name := range asMap {
		out = append(out, name)
	}
	return out, nil
}

func parseLicense(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", invalidRequestf("license must be a string or a list of strings")
	}
	combined := ""
	for i, l := range many {
		if i > 0 {
			combined += "\n"
		}
		combined += l
	}
	return combined, nil
}

// sendStatus writes a create/pull-style status, as NDJSON when the
// client asked for a stream (the Ollama default) and as a single JSON
// object otherwise.
func sendStatus(c *gin.Context, stream bool, status string) {
	if stream {
		ndjsonHeaders(c)
		data, _ := json.Marshal(simpleStatus{Status: status})
		c.Writer.Write(append(data, '\n'))
		c.Writer.Flush()
		return
	}
	c.JSON(http.StatusOK, simpleStatus{Status: status})
}

func (pm *ProxyManager) createHandler(c *gin.Context) {
	var req CreateModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	name := req.modelName()
	if name == "" {
		pm.sendError(c, invalidRequestf("model is required"))
		return
	}
	if req.From == "" {
		pm.sendError(c, invalidRequestf("from is required; this proxy only creates aliases of existing models"))
		return
	}

	ctx := c.Request.Context()

	// the target must resolve; creating an alias of nothing helps nobody
	target, err := pm.resolver.Resolve(ctx, req.From)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	adapters, err := parseAdapters(req.Adapters)
	if err != nil {
		pm.sendError(c, err)
		return
	}
	license, err := parseLicense(req.License)
	if err != nil {
		pm.sendError(c, err)
		return
	}

	alias := VirtualAlias{
		Name:       name,
		Target:     target,
		System:     req.System,
		Template:   req.Template,
		Parameters: req.Parameters,
		License:    license,
		Adapters:   adapters,
		Messages:   req.Messages,
	}
	// creating from an alias flattens to its target, so alias chains
	// never need recursive resolution
	if source, ok := pm.aliases.Get(req.From); ok {
		alias = mergeAliasDefaults(alias, source)
	}

	if err := pm.aliases.Put(alias); err != nil {
		pm.sendError(c, err)
		return
	}

	pm.proxyLogger.Infof("created alias %s -> %s", name, alias.Target)
	sendStatus(c, req.wantsStream(), "success")
}

// mergeAliasDefaults fills the blank fields of a new alias from the
// alias it was created from, so create {from: existing-alias} behaves
// like a copy-then-override.
func mergeAliasDefaults(alias, source VirtualAlias) VirtualAlias {
	if alias.System == "" {
		alias.System = source.System
	}
	if alias.Template == "" {
		alias.Template = source.Template
	}
	if alias.Parameters == nil {
		alias.Parameters = source.Parameters
	}
	if alias.License == "" {
		alias.License = source.License
	}
	if alias.Adapters == nil {
		alias.Adapters = source.Adapters
	}
	if alias.Messages == nil {
		alias.Messages = source.Messages
	}
	return alias
}

func (pm *ProxyManager) copyHandler(c *gin.Context) {
	var req CopyModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}
	if req.Source == "" || req.Destination == "" {
		pm.sendError(c, invalidRequestf("source and destination are required"))
		return
	}

	if err := pm.aliases.Copy(req.Source, req.Destination); err == nil {
		c.Status(http.StatusOK)
		return
	}

	// copying a real upstream model mints a plain alias over it
	target, err := pm.resolver.Resolve(c.Request.Context(), req.Source)
	if err != nil {
		pm.sendError(c, err)
		return
	}
	if err := pm.aliases.Put(VirtualAlias{Name: req.Destination, Target: target}); err != nil {
		pm.sendError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (pm *ProxyManager) deleteHandler(c *gin.Context) {
	var req DeleteModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	name := req.modelName()
	if name == "" {
		pm.sendError(c, invalidRequestf("model is required"))
		return
	}

	// only aliases are deletable; real upstream models belong to LM Studio
	if err := pm.aliases.Delete(name); err != nil {
		pm.sendError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (pm *ProxyManager) pullHandler(c *gin.Context) {
	var req PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	name := req.modelName()
	if name == "" {
		pm.sendError(c, invalidRequestf("model is required"))
		return
	}

	ctx := c.Request.Context()

	if req.wantsStream() {
		ndjsonHeaders(c)
		err := pm.download.Pull(ctx, req, func(p PullProgress) error {
			data, err := json.Marshal(p)
			if err != nil {
				return newError(ErrUpstreamProtocolError, "could not encode progress", err)
			}
			if _, err := c.Writer.Write(append(data, '\n')); err != nil {
				return newError(ErrCancelled, "client disconnected", err)
			}
			c.Writer.Flush()
			return nil
		})
		if err != nil {
			pm.upstreamLogger.Debugf("pull of %s ended: %v", name, err)
		}
		return
	}

	var last PullProgress
	if err := pm.download.Pull(ctx, req, func(p PullProgress) error {
		last = p
		return nil
	}); err != nil {
		pm.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, last)
}

// pushHandler acknowledges pushes without doing anything: the proxy has
// nowhere to push to. The name is still validated so typos surface.
func (pm *ProxyManager) pushHandler(c *gin.Context) {
	var req PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		pm.sendError(c, invalidRequestf("invalid request: %v", err))
		return
	}

	name := req.modelName()
	if name == "" {
		pm.sendError(c, invalidRequestf("model is required"))
		return
	}
	if _, err := pm.resolver.Resolve(c.Request.Context(), name); err != nil {
		pm.sendError(c, err)
		return
	}

	sendStatus(c, req.wantsStream(), "success")
}
