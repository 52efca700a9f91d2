package conditions

import (
	"sync"

	"github.com/roach88/conformance/internal/condition"
)

// All returns every condition in the library, grouped by file.
func All() []condition.Condition {
	return []condition.Condition{
		CreateRedirectUri,
		GetDynamicServerConfiguration,
		FetchServerKeys,
		CreateAuthorizationEndpointRequestFromClientInformation,
		CreateRandomStateValue,
		CreateRandomNonceValue,
		AddStateToAuthorizationEndpointRequest,
		AddNonceToAuthorizationEndpointRequest,
		SetAuthorizationEndpointRedirectUri,
		SetAuthorizationEndpointRequestResponseTypeToCode,
		BuildPlainRedirectToAuthorizationEndpoint,
		ExpectRedirectUriUnregisteredErrorPage,
		RejectCallbackToUnregisteredRedirectUri,
		CheckIfAuthorizationEndpointError,
		CheckMatchingStateParameter,
		ExtractAuthorizationCodeFromAuthorizationResponse,
		CreateTokenEndpointRequestForAuthorizationCodeGrant,
		CreateTokenEndpointRequestForClientCredentialsGrant,
		AddFormBasedClientSecretAuthenticationParameters,
		CallTokenEndpoint,
		CheckIfTokenEndpointResponseError,
		CheckErrorFromTokenEndpointResponseErrorInvalidGrant,
		CheckForAccessTokenValue,
		ExtractAccessTokenFromTokenResponse,
		CheckForScopesInTokenResponse,
		CheckForRefreshTokenValue,
		EnsureMinimumTokenEntropy,
		ExtractIdTokenFromTokenResponse,
		ValidateIdToken,
		ValidateIdTokenSignature,
		GetResourceEndpointConfiguration,
		CreateRandomFAPIInteractionId,
		CallAccountsEndpointWithBearerToken,
		CheckForDateHeaderInResourceResponse,
		CheckForFAPIInteractionIdInResourceResponse,
		EnsureMatchingFAPIInteractionId,
		EnsureResourceResponseEncodingIsUTF8,
		GenerateServerConfiguration,
		GenerateServerConfigurationMTLS,
		AddUserinfoUrlToServerConfiguration,
		CheckServerConfiguration,
		LoadServerJWKs,
		EnsureMinimumKeyLength,
		LoadUserInfo,
		GetStaticClientConfiguration,
		EnsureMinimumClientSecretEntropy,
		ExtractJWKsFromClientConfiguration,
		EnsureMatchingClientId,
		EnsureMatchingRedirectUri,
		EnsureResponseTypeIsCode,
		ExtractRequestedScopes,
		EnsureOpenIDInScopeRequest,
		ExtractNonceFromAuthorizationRequest,
		CreateAuthorizationCode,
		RedirectBackToClientWithAuthorizationCode,
		ExtractRequestObject,
		EnsureAuthorizationParametersMatchRequestObject,
		ValidateRequestObjectSignature,
		ExtractOBIntentId,
		ExtractClientCredentialsFromFormPost,
		ExtractClientCredentialsFromBasicAuthorizationHeader,
		AuthenticateClientWithClientSecret,
		EnsureClientIsAuthenticated,
		ClearClientAuthentication,
		ValidateAuthorizationCode,
		ValidateRedirectUri,
		GenerateBearerAccessToken,
		CopyAccessTokenToClientCredentialsField,
		GenerateIdTokenClaims,
		AddOBIntentIdToIdTokenClaims,
		SignIdToken,
		CreateTokenEndpointResponse,
		ExtractClientCertificateFromTokenEndpointRequestHeaders,
		CheckForClientCertificate,
		EnsureClientCertificateMatches,
		ExtractBearerAccessTokenFromHeader,
		ExtractBearerAccessTokenFromParams,
		EnsureBearerAccessTokenNotInParams,
		RequireBearerAccessToken,
		RequireBearerClientCredentialsAccessToken,
		RequireOpenIDScope,
		FilterUserInfoForScopes,
		ClearAccessTokenFromRequest,
		ExtractFapiDateHeader,
		ExtractFapiIpAddressHeader,
		ExtractFapiInteractionIdHeader,
		GenerateAccountRequestId,
		GenerateOpenBankingAccountId,
		CreateFapiInteractionIdIfNeeded,
		CreateOpenBankingAccountRequestResponse,
		CreateOpenBankingAccountsResponse,
		EnsureIncomingTls12,
		EnsureIncomingTlsSecureCipher,
		SetTLSTestHostFromConfig,
		ExtractTLSTestValuesFromServerConfiguration,
		EnsureTLS12,
		DisallowTLS10,
		DisallowTLS11,
		DisallowInsecureCipher,
	}
}

var (
	registryOnce sync.Once
	registry     *condition.Registry
)

// Registry returns a shared registry holding All, for steps that name
// conditions with condition.Ref.
func Registry() *condition.Registry {
	registryOnce.Do(func() {
		registry = condition.NewRegistry()
		if err := registry.Add(All()...); err != nil {
			panic(err)
		}
	})
	return registry
}
