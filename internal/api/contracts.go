package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nidhogg/nuka-conductor/internal/contract"
)

func (h *Handler) createContract(w http.ResponseWriter, r *http.Request) {
	var spec contract.Spec
	if !decode(w, r, &spec) {
		return
	}
	c, err := h.contracts.CreateContract(spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) listContracts(w http.ResponseWriter, r *http.Request) {
	if task := r.URL.Query().Get("task"); task != "" {
		writeJSON(w, http.StatusOK, h.contracts.ContractsForTask(task))
		return
	}
	writeJSON(w, http.StatusOK, h.contracts.ListContracts(contract.Status(r.URL.Query().Get("status"))))
}

func (h *Handler) getContract(w http.ResponseWriter, r *http.Request) {
	c, ok := h.contracts.GetContract(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type offerRequest struct {
	TTL string `json:"ttl,omitempty"`
}

func (h *Handler) offerContract(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if !decode(w, r, &req) {
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ttl = d
	}
	h.contractResult(w, r, func(id string) (any, bool) {
		o, ok := h.contracts.CreateContractOffer(id, ttl)
		return o, ok
	}, http.StatusCreated)
}

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.contracts.GetContract(id); !ok {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, h.contracts.Offers(id))
}

func (h *Handler) acceptContract(w http.ResponseWriter, r *http.Request) {
	var a contract.Acceptance
	if !decode(w, r, &a) {
		return
	}
	h.contractTransition(w, r, func(id string) bool {
		a.ContractID = id
		return h.contracts.ProcessAcceptance(a)
	})
}

func (h *Handler) rejectContract(w http.ResponseWriter, r *http.Request) {
	var rej contract.Rejection
	if !decode(w, r, &rej) {
		return
	}
	h.contractTransition(w, r, func(id string) bool {
		rej.ContractID = id
		return h.contracts.ProcessRejection(rej)
	})
}

func (h *Handler) reportContract(w http.ResponseWriter, r *http.Request) {
	var rep contract.PerformanceReport
	if !decode(w, r, &rep) {
		return
	}
	h.contractTransition(w, r, func(id string) bool {
		rep.ContractID = id
		return h.contracts.SubmitPerformanceReport(rep)
	})
}

func (h *Handler) completeContract(w http.ResponseWriter, r *http.Request) {
	h.contractTransition(w, r, h.contracts.CompleteContract)
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) terminateContract(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if !decode(w, r, &req) {
		return
	}
	h.contractTransition(w, r, func(id string) bool { return h.contracts.TerminateContract(id, req.Reason) })
}

// contractTransition answers with the updated contract, 404 for unknown
// contracts and 409 when the protocol refuses the change.
func (h *Handler) contractTransition(w http.ResponseWriter, r *http.Request, apply func(id string) bool) {
	h.contractResult(w, r, func(id string) (any, bool) {
		if !apply(id) {
			return nil, false
		}
		c, _ := h.contracts.GetContract(id)
		return c, true
	}, http.StatusOK)
}

func (h *Handler) contractResult(w http.ResponseWriter, r *http.Request, apply func(id string) (any, bool), status int) {
	id := chi.URLParam(r, "id")
	current, ok := h.contracts.GetContract(id)
	if !ok {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	v, ok := apply(id)
	if !ok {
		writeError(w, http.StatusConflict, "change not allowed in status "+string(current.Status))
		return
	}
	writeJSON(w, status, v)
}
