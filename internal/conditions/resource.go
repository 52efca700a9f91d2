package conditions

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/conformance/internal/condition"
)

// Checks for the harness acting as a resource server. The inbound request
// is expected under incoming_request.

func incomingHeader(s *condition.Scope, name string) string {
	headers, _ := s.Env.Get("incoming_request", "headers")
	return header(asObject(headers), name)
}

// ExtractBearerAccessTokenFromHeader reads "Authorization: Bearer ...".
var ExtractBearerAccessTokenFromHeader = condition.Define("ExtractBearerAccessTokenFromHeader",
	condition.Contract{Required: []string{"incoming_request"}, ProducedStrings: []string{"incoming_access_token"}},
	func(_ context.Context, s *condition.Scope) error {
		auth := incomingHeader(s, "authorization")
		scheme, token, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return s.Fail("Couldn't find access token in authorization header", "authorization", auth)
		}
		token = strings.TrimSpace(token)
		s.Env.PutString("incoming_access_token", "", token)
		s.Success("Found access token in authorization header", "access_token", token)
		return nil
	})

// ExtractBearerAccessTokenFromParams reads the access_token parameter.
var ExtractBearerAccessTokenFromParams = condition.Define("ExtractBearerAccessTokenFromParams",
	condition.Contract{Required: []string{"incoming_request"}, ProducedStrings: []string{"incoming_access_token"}},
	func(_ context.Context, s *condition.Scope) error {
		params, _ := s.Env.Get("incoming_request", "params")
		s.Log("Incoming request params", "params", params)
		token, _ := s.Env.GetString("incoming_request", "params.access_token")
		if token == "" {
			return s.Fail("Couldn't find access token in parameters")
		}
		s.Env.PutString("incoming_access_token", "", token)
		s.Success("Found access token on incoming request", "access_token", token)
		return nil
	})

// EnsureBearerAccessTokenNotInParams forbids access tokens in the query.
var EnsureBearerAccessTokenNotInParams = condition.Define("EnsureBearerAccessTokenNotInParams",
	condition.Contract{Required: []string{"incoming_request"}},
	func(_ context.Context, s *condition.Scope) error {
		if token, _ := s.Env.GetString("incoming_request", "params.access_token"); token != "" {
			return s.Fail("Client included access token in parameters", "access_token", token)
		}
		s.Success("Client did not include access token in parameters")
		return nil
	})

// RequireBearerAccessToken matches the presented token with the one the
// harness issued.
var RequireBearerAccessToken = condition.Define("RequireBearerAccessToken",
	condition.Contract{Strings: []string{"incoming_access_token"}},
	func(_ context.Context, s *condition.Scope) error {
		return requireToken(s, "access_token")
	})

// RequireBearerClientCredentialsAccessToken matches the presented token
// with the client credentials token.
var RequireBearerClientCredentialsAccessToken = condition.Define("RequireBearerClientCredentialsAccessToken",
	condition.Contract{Strings: []string{"incoming_access_token"}},
	func(_ context.Context, s *condition.Scope) error {
		return requireToken(s, "client_credentials_access_token")
	})

func requireToken(s *condition.Scope, key string) error {
	incoming, _ := s.Env.GetString("incoming_access_token", "")
	issued, _ := s.Env.GetString(key, "")
	if issued == "" {
		return s.Missing("Couldn't find issued access token to compare", "key", key)
	}
	if incoming != issued {
		return s.Fail("Access token did not match", "expected", issued, "actual", incoming)
	}
	s.Success("Found access token in request", "access_token", incoming)
	return nil
}

// RequireOpenIDScope requires openid among the granted scopes.
var RequireOpenIDScope = condition.Define("RequireOpenIDScope",
	condition.Contract{Strings: []string{"scope"}},
	func(_ context.Context, s *condition.Scope) error {
		scope, _ := s.Env.GetString("scope", "")
		if !hasScope(scope, "openid") {
			return s.Fail("Couldn't find openid scope", "scope", scope)
		}
		s.Success("Found openid scope", "scope", scope)
		return nil
	})

var scopeClaims = map[string][]string{
	"openid":  {"sub"},
	"profile": {"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username", "profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at"},
	"email":   {"email", "email_verified"},
	"address": {"address"},
	"phone":   {"phone_number", "phone_number_verified"},
}

// FilterUserInfoForScopes releases only the claims the granted scopes
// cover.
var FilterUserInfoForScopes = condition.Define("FilterUserInfoForScopes",
	condition.Contract{
		Required: []string{"user_info"},
		Strings:  []string{"scope"},
		Produced: []string{"user_info_endpoint_response"},
	},
	func(_ context.Context, s *condition.Scope) error {
		user, _ := s.Env.GetObject("user_info")
		scope, _ := s.Env.GetString("scope", "")
		out := map[string]any{}
		for _, sc := range splitScope(scope) {
			for _, claim := range scopeClaims[sc] {
				if v, ok := user[claim]; ok {
					out[claim] = v
				}
			}
		}
		s.Env.PutObject("user_info_endpoint_response", out)
		s.Success("Filtered user info for scopes", "scope", scope, "user_info", out)
		return nil
	})

// ClearAccessTokenFromRequest forgets the presented token.
var ClearAccessTokenFromRequest = condition.Define("ClearAccessTokenFromRequest",
	condition.Contract{},
	func(_ context.Context, s *condition.Scope) error {
		s.Env.RemoveObject("incoming_access_token")
		s.Success("Cleared incoming access token")
		return nil
	})

func extractHeader(name, headerName, key string) *condition.Func {
	return condition.Define(name,
		condition.Contract{Required: []string{"incoming_request"}, ProducedStrings: []string{key}},
		func(_ context.Context, s *condition.Scope) error {
			v := incomingHeader(s, headerName)
			if v == "" {
				return s.Fail("Couldn't find header "+headerName+" in request", "header", headerName)
			}
			s.Env.PutString(key, "", v)
			s.Success("Found header "+headerName, key, v)
			return nil
		})
}

var (
	ExtractFapiDateHeader          = extractHeader("ExtractFapiDateHeader", "x-fapi-auth-date", "fapi_auth_date")
	ExtractFapiIpAddressHeader     = extractHeader("ExtractFapiIpAddressHeader", "x-fapi-customer-ip-address", "fapi_customer_ip_address")
	ExtractFapiInteractionIdHeader = extractHeader("ExtractFapiInteractionIdHeader", "x-fapi-interaction-id", "fapi_interaction_id")
)

// GenerateAccountRequestId issues an Open Banking account request id.
var GenerateAccountRequestId = condition.Define("GenerateAccountRequestId",
	condition.Contract{ProducedStrings: []string{"account_request_id"}},
	func(_ context.Context, s *condition.Scope) error {
		id := "ar-" + uuid.NewString()
		s.Env.PutString("account_request_id", "", id)
		s.Success("Created account request id", "account_request_id", id)
		return nil
	})

// GenerateOpenBankingAccountId issues an account id.
var GenerateOpenBankingAccountId = condition.Define("GenerateOpenBankingAccountId",
	condition.Contract{ProducedStrings: []string{"account_id"}},
	func(_ context.Context, s *condition.Scope) error {
		id := uuid.NewString()
		s.Env.PutString("account_id", "", id)
		s.Success("Created account id", "account_id", id)
		return nil
	})

// CreateFapiInteractionIdIfNeeded keeps the client's interaction id or
// mints one.
var CreateFapiInteractionIdIfNeeded = condition.Define("CreateFapiInteractionIdIfNeeded",
	condition.Contract{ProducedStrings: []string{"fapi_interaction_id"}},
	func(_ context.Context, s *condition.Scope) error {
		if id, _ := s.Env.GetString("fapi_interaction_id", ""); id != "" {
			s.Success("Found a FAPI interaction ID", "fapi_interaction_id", id)
			return nil
		}
		id := uuid.NewString()
		s.Env.PutString("fapi_interaction_id", "", id)
		s.Success("Created a FAPI interaction ID", "fapi_interaction_id", id)
		return nil
	})

func openBankingResponse(data map[string]any) map[string]any {
	return map[string]any{
		"Data":  data,
		"Risk":  map[string]any{},
		"Links": map[string]any{"Self": ""},
		"Meta":  map[string]any{"TotalPages": float64(1)},
	}
}

// CreateOpenBankingAccountRequestResponse answers an account request.
var CreateOpenBankingAccountRequestResponse = condition.Define("CreateOpenBankingAccountRequestResponse",
	condition.Contract{
		Strings:  []string{"account_request_id", "fapi_interaction_id"},
		Produced: []string{"account_request_response", "account_request_response_headers"},
	},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("account_request_id", "")
		interaction, _ := s.Env.GetString("fapi_interaction_id", "")
		resp := openBankingResponse(map[string]any{
			"Status":           "AwaitingAuthorisation",
			"AccountRequestId": id,
		})
		headers := map[string]any{"x-fapi-interaction-id": interaction}
		s.Env.PutObject("account_request_response", resp)
		s.Env.PutObject("account_request_response_headers", headers)
		s.Success("Created account request response", "account_request_response", resp, "account_request_response_headers", headers)
		return nil
	})

// CreateOpenBankingAccountsResponse answers an accounts request with one
// sample account.
var CreateOpenBankingAccountsResponse = condition.Define("CreateOpenBankingAccountsResponse",
	condition.Contract{
		Strings:  []string{"account_id", "fapi_interaction_id"},
		Produced: []string{"accounts_endpoint_response", "accounts_endpoint_response_headers"},
	},
	func(_ context.Context, s *condition.Scope) error {
		id, _ := s.Env.GetString("account_id", "")
		interaction, _ := s.Env.GetString("fapi_interaction_id", "")
		resp := openBankingResponse(map[string]any{
			"Account": []any{map[string]any{
				"AccountId": id,
				"Currency":  "GBP",
				"Nickname":  "Bills",
				"Account": map[string]any{
					"SchemeName":              "SortCodeAccountNumber",
					"Identification":          "80200110203345",
					"Name":                    "Mr Kevin",
					"SecondaryIdentification": "00021",
				},
			}},
		})
		headers := map[string]any{"x-fapi-interaction-id": interaction}
		s.Env.PutObject("accounts_endpoint_response", resp)
		s.Env.PutObject("accounts_endpoint_response_headers", headers)
		s.Success("Created accounts response", "accounts_endpoint_response", resp, "accounts_endpoint_response_headers", headers)
		return nil
	})
