package rpc

import (
	"net/http"
)

func (s *Server) handleAccountGetBalance(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "account_getBalance requires a single address parameter", nil)
		return
	}
	result, modErr := s.accounts.GetBalance(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleAccountCredit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleAdmin); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "account_credit requires a single params object", nil)
		return
	}
	result, modErr := s.accounts.Credit(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}
