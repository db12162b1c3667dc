// Package api is the HTTP facade: every endpoint translates one-to-one to a
// lifecycle, dispatch, or ledger call. No business logic lives here.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/clawger/backend/internal/core"
	"github.com/clawger/backend/internal/dispatch"
	"github.com/clawger/backend/internal/ledger"
	"github.com/clawger/backend/internal/lifecycle"
	"github.com/clawger/backend/internal/store"
)

// Handler exposes the coordination layer over HTTP.
type Handler struct {
	svc    *lifecycle.Service
	queue  *dispatch.Queue
	hub    *dispatch.Hub
	ledger *ledger.Ledger
	chain  store.ChainStore
	econ   core.Economics
}

// NewHandler creates the HTTP handler set.
func NewHandler(svc *lifecycle.Service, queue *dispatch.Queue, hub *dispatch.Hub, led *ledger.Ledger, chain store.ChainStore, econ core.Economics) *Handler {
	return &Handler{svc: svc, queue: queue, hub: hub, ledger: led, chain: chain, econ: econ}
}

// RegisterRoutes wires every endpoint onto the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/agents", h.registerAgent).Methods(http.MethodPost)
	r.HandleFunc("/agents", h.listAgents).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}", h.getAgent).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/reputation", h.agentReputation).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/deactivate", h.setAgentActive(false)).Methods(http.MethodPost)
	r.HandleFunc("/agents/{id}/activate", h.setAgentActive(true)).Methods(http.MethodPost)

	r.HandleFunc("/missions", h.createMission).Methods(http.MethodPost)
	r.HandleFunc("/missions/crew", h.createCrewMission).Methods(http.MethodPost)
	r.HandleFunc("/missions", h.listMissions).Methods(http.MethodGet)
	r.HandleFunc("/missions/{id}", h.getMission).Methods(http.MethodGet)
	r.HandleFunc("/missions/{id}/bids", h.placeBid).Methods(http.MethodPost)
	r.HandleFunc("/missions/{id}/close-bidding", h.closeBidding).Methods(http.MethodPost)
	r.HandleFunc("/missions/{id}/start", h.startMission).Methods(http.MethodPost)
	r.HandleFunc("/missions/{id}/submit", h.submitMission).Methods(http.MethodPost)
	r.HandleFunc("/missions/{id}/vote", h.voteMission).Methods(http.MethodPost)
	r.HandleFunc("/missions/{id}/revise", h.reviseMission).Methods(http.MethodPost)
	r.HandleFunc("/missions/{id}/rate", h.rateMission).Methods(http.MethodPost)

	r.HandleFunc("/tasks", h.pollTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/ack", h.ackTasks).Methods(http.MethodPost)
	r.HandleFunc("/heartbeat", h.heartbeat).Methods(http.MethodPost)
	if h.hub != nil {
		r.HandleFunc("/ws", h.hub.HandleWebSocket)
	}

	r.HandleFunc("/balances/{owner}", h.balance).Methods(http.MethodGet)
	r.HandleFunc("/chain/tasks/{id}", h.chainTask).Methods(http.MethodGet)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

// callerID identifies the acting agent; the X-Agent-ID header is set by
// agents, humans act through their requester id in the body.
func callerID(r *http.Request) string {
	return r.Header.Get("X-Agent-ID")
}

func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body", core.ErrInvalidInput)
	}
	return nil
}

// --- Agents ---

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var agent core.Agent
	if err := decodeBody(r, &agent); err != nil {
		writeError(w, err, "")
		return
	}
	created, err := h.svc.RegisterAgent(r.Context(), &agent)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	filter := store.AgentFilter{
		Role:       core.Role(r.URL.Query().Get("role")),
		Capability: r.URL.Query().Get("capability"),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}
	agents, err := h.svc.ListAgents(r.Context(), filter)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.GetAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *Handler) setAgentActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := h.svc.SetAgentActive(r.Context(), mux.Vars(r)["id"], active)
		if err != nil {
			writeError(w, err, "")
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

func (h *Handler) agentReputation(w http.ResponseWriter, r *http.Request) {
	breakdown, err := h.svc.ReputationBreakdown(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

// --- Missions ---

type createMissionReq struct {
	RequesterID     string   `json:"requester_id"`
	Objective       string   `json:"objective"`
	Reward          int64    `json:"reward"`
	Deadline        time.Time `json:"deadline"`
	Specialties     []string `json:"specialties"`
	Risk            string   `json:"risk"`
	Mode            string   `json:"assignment_mode"`
	DirectHireAgent string   `json:"direct_hire_agent"`
}

func (req createMissionReq) mission() *core.Mission {
	return &core.Mission{
		RequesterID:     req.RequesterID,
		Objective:       req.Objective,
		Reward:          req.Reward,
		Deadline:        req.Deadline,
		Specialties:     req.Specialties,
		Risk:            core.RiskTier(req.Risk),
		Mode:            core.AssignmentMode(req.Mode),
		DirectHireAgent: req.DirectHireAgent,
	}
}

func (h *Handler) createMission(w http.ResponseWriter, r *http.Request) {
	var req createMissionReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	m, err := h.svc.CreateMission(r.Context(), req.mission())
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type createCrewReq struct {
	createMissionReq
	Subtasks []createMissionReq `json:"subtasks"`
}

func (h *Handler) createCrewMission(w http.ResponseWriter, r *http.Request) {
	var req createCrewReq
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	subtasks := make([]*core.Mission, len(req.Subtasks))
	for i, st := range req.Subtasks {
		subtasks[i] = st.mission()
	}
	parent, err := h.svc.CreateCrewMission(r.Context(), req.mission(), subtasks)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, parent)
}

func (h *Handler) listMissions(w http.ResponseWriter, r *http.Request) {
	filter := store.MissionFilter{
		Status:      core.MissionStatus(r.URL.Query().Get("status")),
		RequesterID: r.URL.Query().Get("requester_id"),
		ParentID:    r.URL.Query().Get("parent_id"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		filter.Limit, _ = strconv.Atoi(limit)
	}
	missions, err := h.svc.ListMissions(r.Context(), filter)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, missions)
}

func (h *Handler) getMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetMission(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) placeBid(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price    int64   `json:"price"`
		ETAHours float64 `json:"eta_hours"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	eta := time.Duration(req.ETAHours * float64(time.Hour))
	bid, err := h.svc.PlaceBid(r.Context(), mux.Vars(r)["id"], callerID(r), req.Price, eta)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, bid)
}

func (h *Handler) closeBidding(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.CloseBidding(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) startMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.Start(r.Context(), mux.Vars(r)["id"], callerID(r))
	if err != nil {
		writeError(w, err, "only the assigned worker may start")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) submitMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Artifacts []string `json:"artifacts"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	m, err := h.svc.Submit(r.Context(), mux.Vars(r)["id"], callerID(r), req.Artifacts)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) voteMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Verdict string `json:"verdict"`
		Reason  string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	m, err := h.svc.Vote(r.Context(), mux.Vars(r)["id"], callerID(r), core.Verdict(req.Verdict), req.Reason)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) reviseMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID string `json:"requester_id"`
		Feedback    string `json:"feedback"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	m, err := h.svc.Revise(r.Context(), mux.Vars(r)["id"], req.RequesterID, req.Feedback)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) rateMission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID string `json:"requester_id"`
		Rating      int    `json:"rating"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	if err := h.svc.Rate(r.Context(), mux.Vars(r)["id"], req.RequesterID, req.Rating); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Dispatch ---

func (h *Handler) pollTasks(w http.ResponseWriter, r *http.Request) {
	agentID := callerID(r)
	if agentID == "" {
		writeError(w, fmt.Errorf("%w: X-Agent-ID header required", core.ErrUnauthorized), "")
		return
	}
	limit := 10
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, _ = strconv.Atoi(q)
	}
	tasks, hasMore, err := h.queue.Poll(r.Context(), agentID, limit)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks":    tasks,
		"has_more": hasMore,
	})
}

func (h *Handler) ackTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, "")
		return
	}
	if err := h.queue.Ack(r.Context(), req.TaskIDs); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"acked": len(req.TaskIDs)})
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := callerID(r)
	if agentID == "" {
		writeError(w, fmt.Errorf("%w: X-Agent-ID header required", core.ErrUnauthorized), "")
		return
	}
	if err := h.queue.Heartbeat(r.Context(), agentID); err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// --- Ledger and chain mirrors ---

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	account := h.ledger.BalanceOf(mux.Vars(r)["owner"])
	writeJSON(w, http.StatusOK, account)
}

func (h *Handler) chainTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: task id must be numeric", core.ErrInvalidInput), "")
		return
	}
	task, err := h.chain.GetChainTask(r.Context(), id)
	if err != nil {
		writeError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
