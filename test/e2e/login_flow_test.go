// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package e2e_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/idbroker/pkg/authserver/server/handlers"
	"github.com/stacklok/idbroker/pkg/authserver/storage"
	"github.com/stacklok/idbroker/test/e2e"
)

func redirectTarget(resp *http.Response) *url.URL {
	GinkgoHelper()
	defer resp.Body.Close()
	Expect(resp.StatusCode).To(Equal(http.StatusFound))
	u, err := url.Parse(resp.Header.Get("Location"))
	Expect(err).ToNot(HaveOccurred())
	return u
}

var _ = Describe("Login flow", Label("e2e", "authorize"), func() {
	var broker *e2e.Broker

	BeforeEach(func() {
		var err error
		broker, err = e2e.StartBroker(GinkgoT())
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("GET /authorize for a registered client", func() {
		It("should create the transactions and redirect upstream with a fresh state", func() {
			By("Sending a valid authorization request")
			resp, err := broker.Get(handlers.PathAuthorize, e2e.AuthorizeQuery())
			Expect(err).ToNot(HaveOccurred())
			target := redirectTarget(resp)

			By("Verifying the redirect goes to the upstream authorize endpoint")
			Expect(target.String()).To(HavePrefix(broker.IdP.Issuer() + "/authorize"))
			upstreamState := target.Query().Get("state")
			Expect(upstreamState).ToNot(BeEmpty())
			Expect(upstreamState).ToNot(Equal("s1"), "the upstream state must not echo the client state")
			Expect(target.Query().Get("code_challenge_method")).To(Equal("S256"))

			By("Verifying the stored transactions")
			ctx := context.Background()
			up, err := broker.Store.GetUpstreamTransactionByState(ctx, upstreamState)
			Expect(err).ToNot(HaveOccurred())
			Expect(up.Status).To(Equal(storage.UpstreamStatusPending))
			Expect(up.RequestID).ToNot(BeEmpty())

			tx, err := broker.Store.GetLoginTransaction(ctx, up.RequestID)
			Expect(err).ToNot(HaveOccurred())
			Expect(tx.ClientID).To(Equal(e2e.ClientID))
			Expect(tx.RedirectURI).To(Equal(e2e.RedirectURI))
			Expect(tx.State).To(Equal("s1"))
		})
	})

	Describe("GET /upstream/callback", func() {
		Context("when the state matches no transaction", func() {
			It("should answer with a generic error and leave transactions untouched", func() {
				By("Starting a login so a pending transaction exists")
				resp, err := broker.Get(handlers.PathAuthorize, e2e.AuthorizeQuery())
				Expect(err).ToNot(HaveOccurred())
				upstreamState := redirectTarget(resp).Query().Get("state")
				before := broker.Store.Stats()

				By("Calling back with an unknown state")
				resp, err = broker.Get(handlers.PathCallback, url.Values{
					"state": {"no-such-state"},
					"code":  {"some-code"},
				})
				Expect(err).ToNot(HaveOccurred())
				defer resp.Body.Close()
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(resp.Header.Get("Location")).To(BeEmpty())
				body, err := io.ReadAll(resp.Body)
				Expect(err).ToNot(HaveOccurred())
				Expect(string(body)).ToNot(ContainSubstring("no-such-state"))

				By("Verifying nothing changed")
				Expect(broker.Store.Stats()).To(Equal(before))
				up, err := broker.Store.GetUpstreamTransactionByState(context.Background(), upstreamState)
				Expect(err).ToNot(HaveOccurred())
				Expect(up.Status).To(Equal(storage.UpstreamStatusPending))
				Expect(broker.IdP.TokenRequests()).To(BeZero())
			})
		})
	})

	Describe("POST /token", func() {
		var code string

		BeforeEach(func() {
			resp, err := broker.Get(handlers.PathAuthorize, e2e.AuthorizeQuery())
			Expect(err).ToNot(HaveOccurred())
			upstreamURL := redirectTarget(resp)

			resp, err = broker.Follow(upstreamURL.String())
			Expect(err).ToNot(HaveOccurred())
			back := redirectTarget(resp)

			resp, err = broker.Get(handlers.PathCallback, url.Values{
				"state": {back.Query().Get("state")},
				"code":  {back.Query().Get("code")},
			})
			Expect(err).ToNot(HaveOccurred())
			rp := redirectTarget(resp)
			Expect(rp.Host).To(Equal("rp.example"))
			Expect(rp.Query().Get("state")).To(Equal("s1"))
			code = rp.Query().Get("code")
			Expect(code).ToNot(BeEmpty())
		})

		It("should issue tokens once and reject a replay", func() {
			By("Redeeming the code with the bound client, redirect URI and verifier")
			resp, err := broker.ExchangeCode(code, e2e.RedirectURI, e2e.Verifier)
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Cache-Control")).To(Equal("no-store"))

			var tokens map[string]any
			Expect(json.NewDecoder(resp.Body).Decode(&tokens)).To(Succeed())
			Expect(tokens).To(HaveKeyWithValue("token_type", "Bearer"))
			Expect(tokens["access_token"]).ToNot(BeEmpty())
			Expect(tokens["id_token"]).ToNot(BeEmpty())
			Expect(strings.Count(tokens["id_token"].(string), ".")).To(Equal(2))

			By("Presenting the same request again")
			replay, err := broker.ExchangeCode(code, e2e.RedirectURI, e2e.Verifier)
			Expect(err).ToNot(HaveOccurred())
			defer replay.Body.Close()
			Expect(replay.StatusCode).To(Equal(http.StatusBadRequest))

			var failure map[string]any
			Expect(json.NewDecoder(replay.Body).Decode(&failure)).To(Succeed())
			Expect(failure).To(HaveKeyWithValue("error", "invalid_grant"))
		})

		It("should reject a code presented with another redirect URI", func() {
			resp, err := broker.ExchangeCode(code, "https://rp.example/other", e2e.Verifier)
			Expect(err).ToNot(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})
})
