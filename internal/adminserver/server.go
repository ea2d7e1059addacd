// Package adminserver implements the admin/status HTTP surface (SPEC_FULL.md §C): a read-only
// view of every group and generation a tlogd process hosts, plus an operator endpoint to stop a
// generation, gated behind the same bearer-token check the teacher's restapi/main/main.go uses.
//
// @BasePath /admin/v1
//
// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
package adminserver

import (
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	jwtverifier "github.com/okta/okta-jwt-verifier-golang"
	swaggerfiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/adminserver/docs"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/group"
	"github.com/sharedcode/tlog/internal/lifecycle"
)

// Server is the admin HTTP surface for one tlogd process.
type Server struct {
	router *gin.Engine
	mux    *group.Multiplexer
	okta   OktaConfig
}

// OktaConfig names the Okta authorization-server attributes the bearer-token middleware
// validates against, mirroring the teacher's hardcoded "aud"/"cid" claims map.
type OktaConfig struct {
	Domain   string
	Audience string
	ClientID string
}

// New builds a Server routing admin requests to mux, using okta for bearer-token verification.
func New(mux *group.Multiplexer, okta OktaConfig) *Server {
	s := &Server{router: gin.Default(), mux: mux, okta: okta}

	docs.SwaggerInfo.BasePath = "/admin/v1"

	v1 := s.router.Group("/admin/v1")
	{
		v1.GET("/groups", s.verify(s.listGroups))
		v1.GET("/groups/:id", s.verify(s.getGroup))
		v1.POST("/groups/:id/stop", s.verify(s.stopGroup))
		v1.POST("/groups/:id/archive", s.verify(s.archiveGroup))
	}
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerfiles.Handler))

	return s
}

// Run starts the HTTP listener, blocking until it returns (an error or a graceful shutdown
// initiated elsewhere by closing the underlying listener).
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// verify wraps handler with the bearer-token check, grounded on the teacher's
// restapi/main/main.go verifyHeaderToken/verify closures: SOP_ENV=DEV bypasses entirely,
// SOP_ENV=QA allows a static shared-secret token, anything else requires a real Okta-issued
// access token.
func (s *Server) verify(handler gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if os.Getenv("SOP_ENV") == "DEV" {
			handler(c)
			return
		}

		token := c.Request.Header.Get("Authorization")
		if !strings.HasPrefix(token, "Bearer ") {
			c.String(http.StatusUnauthorized, "Unauthorized")
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if os.Getenv("SOP_ENV") == "QA" {
			if token == os.Getenv("TLOG_QA_ADMIN_TOKEN") {
				handler(c)
				return
			}
		}

		toValidate := map[string]string{
			"aud": s.okta.Audience,
			"cid": s.okta.ClientID,
		}
		verifierSetup := jwtverifier.JwtVerifier{
			Issuer:           "https://" + s.okta.Domain + "/oauth2/default",
			ClaimsToValidate: toValidate,
		}
		verifier := verifierSetup.New()
		if _, err := verifier.VerifyAccessToken(token); err != nil {
			c.String(http.StatusForbidden, err.Error())
			return
		}
		handler(c)
	}
}

// groupStatus is the JSON shape returned for one hosted group.
type groupStatus struct {
	GroupID     string               `json:"group_id"`
	Generations []generationStatus   `json:"generations"`
}

type generationStatus struct {
	GenerationID          string `json:"generation_id"`
	RecoveryCount         int64  `json:"recovery_count"`
	Stopped               bool   `json:"stopped"`
	Version               int64  `json:"version"`
	KnownCommittedVersion int64  `json:"known_committed_version"`
	BytesInput            int64  `json:"bytes_input"`
	BytesDurable          int64  `json:"bytes_durable"`
}

func (s *Server) listGroups(c *gin.Context) {
	groups := s.mux.Groups()
	out := make([]groupStatus, 0, len(groups))
	for _, grp := range groups {
		out = append(out, groupToStatus(grp))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getGroup(c *gin.Context) {
	id, err := tlog.ParseUUID(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid group id")
		return
	}
	for _, grp := range s.mux.Groups() {
		if grp.GroupID == id {
			c.JSON(http.StatusOK, groupToStatus(grp))
			return
		}
	}
	c.String(http.StatusNotFound, "group not found")
}

// stopGroup locks every generation of the named group, per spec §4.10: an operator-initiated
// displacement ahead of a planned maintenance window or failover drill.
func (s *Server) stopGroup(c *gin.Context) {
	id, err := tlog.ParseUUID(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid group id")
		return
	}
	for _, grp := range s.mux.Groups() {
		if grp.GroupID != id {
			continue
		}
		for _, gen := range grp.Generations() {
			gen.Stop()
		}
		c.JSON(http.StatusOK, groupToStatus(grp))
		return
	}
	c.String(http.StatusNotFound, "group not found")
}

// pathQueue is implemented by Queue backends that are backed by a single named file
// (dq.FileQueue); archiveGroup type-asserts for it since the archive operation is meaningless
// for the in-memory simulator used in tests.
type pathQueue interface {
	Path() string
}

// archiveGroup copies the group's durable-queue file to dst using O_DIRECT, for moving a
// retired generation's log to cold storage without evicting the live process's page cache.
func (s *Server) archiveGroup(c *gin.Context) {
	id, err := tlog.ParseUUID(c.Param("id"))
	if err != nil {
		c.String(http.StatusBadRequest, "invalid group id")
		return
	}
	dst := c.Query("dst")
	if dst == "" {
		c.String(http.StatusBadRequest, "missing dst query parameter")
		return
	}
	for _, grp := range s.mux.Groups() {
		if grp.GroupID != id {
			continue
		}
		pq, ok := grp.DQ.(pathQueue)
		if !ok {
			c.String(http.StatusBadRequest, "group's durable queue backend does not support archiving")
			return
		}
		n, err := dq.ArchiveDirect(pq.Path(), dst)
		if err != nil {
			c.String(http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, map[string]any{"bytes_copied": n, "dst": dst})
		return
	}
	c.String(http.StatusNotFound, "group not found")
}

func groupToStatus(grp *lifecycle.Group) groupStatus {
	gens := grp.Generations()
	out := groupStatus{GroupID: grp.GroupID.String(), Generations: make([]generationStatus, 0, len(gens))}
	for _, gen := range gens {
		out.Generations = append(out.Generations, generationStatus{
			GenerationID:          gen.GenerationID.String(),
			RecoveryCount:         gen.RecoveryCount,
			Stopped:               gen.IsStopped(),
			Version:               int64(gen.Version.Get()),
			KnownCommittedVersion: int64(gen.KnownCommittedVersion()),
			BytesInput:            gen.BytesInput(),
			BytesDurable:          gen.BytesDurable(),
		})
	}
	return out
}
