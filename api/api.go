/*Package api is the REST interface for dashboard administration.

It covers configuration reloads, the alert lifecycle, session and reading
queries and a service status endpoint. Real-time traffic does not go
through here, that is the WebSocket endpoint's job.
*/
package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/sfgrid-tech/sfgrid/acl"
	"github.com/sfgrid-tech/sfgrid/alerts"
	"github.com/sfgrid-tech/sfgrid/audit"
	"github.com/sfgrid-tech/sfgrid/core/logger"
	"github.com/sfgrid-tech/sfgrid/relay"
	"github.com/sfgrid-tech/sfgrid/sensors"
	"github.com/sfgrid-tech/sfgrid/store"
)

const maxBodySize = 1 << 20

// Service is the administration REST interface.
type Service struct {
	relay   *relay.Relay
	acl     *acl.Evaluator
	sensors *sensors.Registry
	alerts  *alerts.Manager
	gateway store.Gateway
	configs store.ConfigRegistry
	recent  *audit.MemoryAppender
}

// Builder is a builder helper for the Service.
type Builder struct {
	// Relay is the dispatcher. This is mandatory.
	Relay *relay.Relay
	// ACL is the authorization evaluator. This is mandatory.
	ACL *acl.Evaluator
	// Sensors is the safety limit registry. This is mandatory.
	Sensors *sensors.Registry
	// Alerts is the alert lifecycle manager. This is mandatory.
	Alerts *alerts.Manager
	// Gateway is the persistence gateway. This is mandatory.
	Gateway store.Gateway
	// Router is the router the service registers its routes with. This is
	// mandatory.
	Router *mux.Router
	// Configs persists uploaded configurations across restarts. Optional.
	Configs store.ConfigRegistry
	// Recent exposes the latest audit events on /audit. Optional.
	Recent *audit.MemoryAppender
}

// MustNewService creates the service and registers its routes.
func MustNewService(b *Builder) *Service {
	if b.Relay == nil {
		panic("relay is missing")
	}
	if b.ACL == nil {
		panic("ACL evaluator is missing")
	}
	if b.Sensors == nil {
		panic("sensor registry is missing")
	}
	if b.Alerts == nil {
		panic("alert manager is missing")
	}
	if b.Gateway == nil {
		panic("gateway is missing")
	}
	if b.Router == nil {
		panic("router is missing")
	}
	s := &Service{
		relay:   b.Relay,
		acl:     b.ACL,
		sensors: b.Sensors,
		alerts:  b.Alerts,
		gateway: b.Gateway,
		configs: b.Configs,
		recent:  b.Recent,
	}
	s.handleRoutes(b.Router)
	return s
}

func (s *Service) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Infoln("api: handle route /acl GET,PUT")
	rlog.Infoln("api: handle route /acl/check POST")
	rlog.Infoln("api: handle route /sensors GET,PUT")
	rlog.Infoln("api: handle route /alerts GET")
	rlog.Infoln("api: handle route /alerts/{alert_id}/resolve POST")
	rlog.Infoln("api: handle route /alerts/{alert_id}/revert POST")
	rlog.Infoln("api: handle route /sessions GET")
	rlog.Infoln("api: handle route /devices/{device_id}/readings GET")
	rlog.Infoln("api: handle route /devices/{device_id}/commands POST")
	rlog.Infoln("api: handle route /status GET")

	router.HandleFunc("/acl", s.getACL).Methods(http.MethodGet)
	router.HandleFunc("/acl", s.putACL).Methods(http.MethodPut)
	router.HandleFunc("/acl/check", s.checkACL).Methods(http.MethodPost)
	router.HandleFunc("/sensors", s.getSensors).Methods(http.MethodGet)
	router.HandleFunc("/sensors", s.putSensors).Methods(http.MethodPut)
	router.HandleFunc("/alerts", s.getAlerts).Methods(http.MethodGet)
	router.HandleFunc("/alerts/{alert_id}/resolve", s.resolveAlert).Methods(http.MethodPost)
	router.HandleFunc("/alerts/{alert_id}/revert", s.revertAlert).Methods(http.MethodPost)
	router.HandleFunc("/sessions", s.getSessions).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/readings", s.getReadings).Methods(http.MethodGet)
	router.HandleFunc("/devices/{device_id}/commands", s.postCommand).Methods(http.MethodPost)
	router.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	if s.recent != nil {
		rlog.Infoln("api: handle route /audit GET")
		router.HandleFunc("/audit", s.getAudit).Methods(http.MethodGet)
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

// putACL replaces the authorization rule set. The swap is atomic; inflight
// requests finish against the old set.
func (s *Service) putACL(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := s.acl.ReloadConfig(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.persistConfig(r, "acl", body)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// persistConfig stores an accepted configuration. A storage failure is not
// an API error, the reload already took effect.
func (s *Service) persistConfig(r *http.Request, name string, body []byte) {
	if s.configs == nil {
		return
	}
	if err := s.configs.SaveConfig(r.Context(), name, body); err != nil {
		logger.FromContext(r.Context()).Errorf("api: persisting %s config failed: %v", name, err)
	}
}

func (s *Service) putSensors(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if err := s.sensors.ReloadConfig(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.persistConfig(r, "sensors", body)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// checkACL evaluates a single authorization question against the active
// rule set without side effects on routing.
func (s *Service) checkACL(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var request struct {
		UserID string `json:"user_id"`
		Topic  string `json:"topic"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	action := acl.Action(request.Action)
	if action != acl.ActionPublish && action != acl.ActionSubscribe {
		http.Error(w, "action must be publish or subscribe", http.StatusBadRequest)
		return
	}
	decision := s.acl.Authorize(r.Context(), request.UserID, request.Topic, action)
	respondJSON(w, http.StatusOK, map[string]any{
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
	})
}

// getACL returns the active rule set: version, roles and principals.
func (s *Service) getACL(w http.ResponseWriter, r *http.Request) {
	snapshot := s.acl.Current()
	respondJSON(w, http.StatusOK, map[string]any{
		"version": snapshot.Version(),
		"roles":   snapshot.Roles(),
		"users":   snapshot.Users(),
	})
}

func (s *Service) getSensors(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.sensors.Current().Sensors())
}

func (s *Service) getAlerts(w http.ResponseWriter, r *http.Request) {
	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.gateway.Alerts(r.Context(), includeResolved, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Service) resolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alert_id"]
	alert, err := s.alerts.Resolve(r.Context(), alertID)
	if err == store.ErrNotFound {
		http.Error(w, "no such alert", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.relay.BroadcastSystemAlert(r.Context(), "info", "Alert resolved: "+alert.Message, alert)
	respondJSON(w, http.StatusOK, alert)
}

func (s *Service) revertAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["alert_id"]
	alert, err := s.alerts.Revert(r.Context(), alertID)
	if err == store.ErrNotFound {
		http.Error(w, "no such alert", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.relay.BroadcastSystemAlert(r.Context(), "warning", "Alert reopened: "+alert.Message, alert)
	respondJSON(w, http.StatusOK, alert)
}

func (s *Service) getSessions(w http.ResponseWriter, r *http.Request) {
	records, err := s.gateway.ActiveSessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Service) getReadings(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	readings, err := s.gateway.RecentReadings(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, readings)
}

// postCommand publishes the request body to the device's command topic.
// The optional channel query parameter selects a sub-topic.
func (s *Service) postCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		http.Error(w, "command payload must be JSON", http.StatusBadRequest)
		return
	}
	name := "sf/commands/" + deviceID
	if channel := r.URL.Query().Get("channel"); channel != "" {
		name += "/" + channel
	}
	result := s.relay.Publish(r.Context(), relay.Origin{Kind: relay.OriginServer, UserID: "admin-api"},
		name, body, 1, false)
	if !result.OK {
		http.Error(w, result.Reason, http.StatusBadGateway)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

func (s *Service) getStatus(w http.ResponseWriter, r *http.Request) {
	open, err := s.gateway.Alerts(r.Context(), false, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.relay.Sessions().Count(),
		"open_alerts":     len(open),
	})
}

func (s *Service) getAudit(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.recent.Events())
}
