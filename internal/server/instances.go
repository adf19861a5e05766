package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	instancedomain "github.com/fleetform/fleetform/internal/instance/domain"
	"github.com/fleetform/fleetform/internal/tier"
)

type createInstanceRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Tier           string `json:"tier"`
	// InstanceID re-provisions a known instance instead of creating one.
	InstanceID string `json:"instance_id,omitempty"`
}

type instanceResponse struct {
	*instancedomain.Instance
	Health string `json:"health,omitempty"`
}

func (s *Server) CreateInstance(c *gin.Context) {
	var req createInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_id", "subscription id is required"))
		return
	}
	target := tier.Tier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if !tier.Valid(target) {
		AbortWithError(c, tier.ErrUnknownTier)
		return
	}

	provisionReq := instancedomain.ProvisionRequest{
		SubscriptionID: subscriptionID,
		Tier:           target,
	}
	if req.InstanceID != "" {
		existingID, err := snowflake.ParseString(strings.TrimSpace(req.InstanceID))
		if err != nil {
			AbortWithError(c, newValidationError("instance_id", "invalid_id", "instance id is malformed"))
			return
		}
		provisionReq.ExistingID = &existingID
	}

	inst, err := s.instances.Provision(c.Request.Context(), provisionReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordAudit(c, "instance.provision", inst.ID.String(), map[string]any{"tier": string(target)})
	c.JSON(http.StatusCreated, instanceResponse{Instance: inst})
}

func (s *Server) GetInstance(c *gin.Context) {
	id, ok := s.instanceID(c)
	if !ok {
		return
	}
	inst, err := s.instances.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	resp := instanceResponse{Instance: inst}
	if !inst.Status.Terminal() {
		resp.Health = s.liveHealth(c, inst.WorkloadName)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) StartInstance(c *gin.Context) {
	id, ok := s.instanceID(c)
	if !ok {
		return
	}
	inst, err := s.instances.Start(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "instance.start", inst.ID.String(), nil)
	s.healthCache.Delete(inst.WorkloadName)
	c.JSON(http.StatusOK, instanceResponse{Instance: inst})
}

func (s *Server) StopInstance(c *gin.Context) {
	id, ok := s.instanceID(c)
	if !ok {
		return
	}
	inst, err := s.instances.Stop(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "instance.stop", inst.ID.String(), nil)
	s.healthCache.Delete(inst.WorkloadName)
	c.JSON(http.StatusOK, instanceResponse{Instance: inst})
}

func (s *Server) RestartInstance(c *gin.Context) {
	id, ok := s.instanceID(c)
	if !ok {
		return
	}
	inst, err := s.instances.Restart(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "instance.restart", inst.ID.String(), nil)
	s.healthCache.Delete(inst.WorkloadName)
	c.JSON(http.StatusOK, instanceResponse{Instance: inst})
}

type resizeInstanceRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) ResizeInstance(c *gin.Context) {
	id, ok := s.instanceID(c)
	if !ok {
		return
	}
	var req resizeInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	target := tier.Tier(strings.ToLower(strings.TrimSpace(req.Tier)))
	if !tier.Valid(target) {
		AbortWithError(c, tier.ErrUnknownTier)
		return
	}

	inst, err := s.instances.Resize(c.Request.Context(), id, target)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "instance.resize", inst.ID.String(), map[string]any{"tier": string(target)})
	c.JSON(http.StatusOK, instanceResponse{Instance: inst})
}

// DeleteInstance is asynchronous: the instance enters deprovisioning and the
// reconciler confirms destruction.
func (s *Server) DeleteInstance(c *gin.Context) {
	id, ok := s.instanceID(c)
	if !ok {
		return
	}
	if err := s.instances.Uninstall(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "instance.uninstall", id.String(), nil)
	c.JSON(http.StatusAccepted, gin.H{"status": "deprovisioning"})
}

// SyncInstances triggers one out-of-band reconciliation pass.
func (s *Server) SyncInstances(c *gin.Context) {
	if s.reconciler == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	if err := s.reconciler.RunOnce(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "instance.sync", "", nil)
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

func (s *Server) instanceID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "instance id is malformed"))
		return 0, false
	}
	return id, true
}

// liveHealth probes the cluster with a short-lived cache so dashboard polling
// does not hammer the apiserver.
func (s *Server) liveHealth(c *gin.Context, workloadName string) string {
	if cached, ok := s.healthCache.Get(workloadName); ok {
		return cached
	}
	health, err := s.cluster.WorkloadHealth(c.Request.Context(), workloadName)
	if err != nil {
		s.log.Warn("health probe failed", zap.String("workload", workloadName), zap.Error(err))
		return "unknown"
	}
	s.healthCache.Set(workloadName, string(health))
	return string(health)
}

func (s *Server) recordAudit(c *gin.Context, action, targetID string, metadata map[string]any) {
	var target *string
	if targetID != "" {
		target = &targetID
	}
	if err := s.audit.Record(c.Request.Context(), action, "instance", target, metadata); err != nil {
		s.log.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
