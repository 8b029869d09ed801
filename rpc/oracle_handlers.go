package rpc

import (
	"net/http"
)

func (s *Server) handleOracleGetPrice(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "oracle_getPrice requires a single params object", nil)
		return
	}
	result, modErr := s.oracle.GetPrice(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleOracleRefreshPrice(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleOperator); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "oracle_refreshPrice requires a single params object", nil)
		return
	}
	result, modErr := s.oracle.RefreshPrice(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleOracleSetManualPrice(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleOperator); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "oracle_setManualPrice requires a single params object", nil)
		return
	}
	result, modErr := s.oracle.SetManualPrice(r.Context(), req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}
