package rpc

import (
	"net/http"
)

func (s *Server) handleVaultGetVault(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_getVault requires a single params object", nil)
		return
	}
	result, modErr := s.vault.GetVault(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultListAssets(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_listAssets requires a single params object", nil)
		return
	}
	result, modErr := s.vault.ListAssets(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultGetOperation(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_getOperation requires a single params object", nil)
		return
	}
	result, modErr := s.vault.GetOperation(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultListRequests(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_listRequests requires a single params object", nil)
		return
	}
	result, modErr := s.vault.ListRequests(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultGetReceipt(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_getReceipt requires a single params object", nil)
		return
	}
	result, modErr := s.vault.GetReceipt(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultBeginOperation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleOperator)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_beginOperation requires a single params object", nil)
		return
	}
	result, modErr := s.vault.BeginOperation(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultReturnAssets(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleOperator)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_returnAssets requires a single params object", nil)
		return
	}
	result, modErr := s.vault.ReturnAssets(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultCompleteOperation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleOperator)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_completeOperation requires a single params object", nil)
		return
	}
	result, modErr := s.vault.CompleteOperation(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultRevalueAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleOperator)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_revalueAsset requires a single params object", nil)
		return
	}
	result, modErr := s.vault.RevalueAsset(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultExecuteRequests(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleOperator)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_executeRequests requires a single params object", nil)
		return
	}
	result, modErr := s.vault.ExecuteRequests(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultAccrueReward(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleOperator)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_accrueReward requires a single params object", nil)
		return
	}
	result, modErr := s.vault.AccrueReward(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultSubmitDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleClient)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_submitDeposit requires a single params object", nil)
		return
	}
	result, modErr := s.vault.SubmitDeposit(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultSubmitWithdraw(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleClient)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_submitWithdraw requires a single params object", nil)
		return
	}
	result, modErr := s.vault.SubmitWithdraw(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultCancelRequest(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleClient)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_cancelRequest requires a single params object", nil)
		return
	}
	result, modErr := s.vault.CancelRequest(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultClaimRewards(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleClient)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_claimRewards requires a single params object", nil)
		return
	}
	result, modErr := s.vault.ClaimRewards(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultSetEnabled(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleAdmin); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_setEnabled requires a single params object", nil)
		return
	}
	result, modErr := s.vault.SetEnabled(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultSetLossTolerance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleAdmin); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_setLossTolerance requires a single params object", nil)
		return
	}
	result, modErr := s.vault.SetLossTolerance(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultSetFees(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleAdmin); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_setFees requires a single params object", nil)
		return
	}
	result, modErr := s.vault.SetFees(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultRegisterAsset(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if identity := s.requireRole(w, r, req, RoleAdmin); identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_registerAsset requires a single params object", nil)
		return
	}
	result, modErr := s.vault.RegisterAsset(req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultFreezeOperator(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleAdmin)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_freezeOperator requires a single params object", nil)
		return
	}
	result, modErr := s.vault.FreezeOperator(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) handleVaultUnfreezeOperator(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	identity := s.requireRole(w, r, req, RoleAdmin)
	if identity == nil {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "vault_unfreezeOperator requires a single params object", nil)
		return
	}
	result, modErr := s.vault.UnfreezeOperator(identity.Address, req.Params[0])
	if modErr != nil {
		writeModuleError(w, req.ID, modErr)
		return
	}
	writeResult(w, req.ID, result)
}
