//go:build integration

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package integration

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/panteparak/vault-credential-broker/pkg/broker"
	"github.com/panteparak/vault-credential-broker/pkg/vault/secret"
	"github.com/panteparak/vault-credential-broker/pkg/vault/token"
	sharederrors "github.com/panteparak/vault-credential-broker/shared/infrastructure/errors"
	"github.com/panteparak/vault-credential-broker/test/utils"
)

var _ = Describe("Credential broker against Vault", func() {
	var (
		env     *TestEnvironment
		role    string
		subject string
		app     string
	)

	BeforeEach(func() {
		utils.ResetStepTimer()
		env = GetTestEnv()
		role = UniqueName("app")
		subject = "system:serviceaccount:prod:" + role
		app = "apps/" + role

		utils.TimedBy("creating a workload role limited to " + app)
		Expect(env.CreateWorkloadRole(GetContext(), role, subject, "1h",
			"secret/data/"+app+"/*",
			KVv1Mount+"/"+app+"/*",
		)).To(Succeed())
	})

	newBroker := func(mutate ...func(*BrokerOptions)) *BrokerHandle {
		opts := BrokerOptions{Role: role, Subject: subject}
		for _, m := range mutate {
			m(&opts)
		}
		h, err := env.NewBroker(opts)
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	Context("reading secrets", func() {
		It("authenticates on first use and serves repeats from the cache", func() {
			ctx := GetContext()
			path := "secret/data/" + app + "/db"
			_, err := env.Admin.PutKVv2(ctx, "secret", app+"/db", map[string]interface{}{"password": "hunter2"})
			Expect(err).NotTo(HaveOccurred())

			h := newBroker()

			utils.TimedBy("fetching with a cold cache")
			first, err := h.Client.Get(ctx, path, secret.Freshness{})
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Data).To(HaveKeyWithValue("password", "hunter2"))
			Expect(first.Cached).To(BeFalse())
			Expect(first.Version).To(Equal(int64(1)))
			Expect(first.BrokerVersion).To(Equal(int64(1)))

			status := h.Client.Status()
			Expect(status.Session.State).To(Equal(token.StateActive))
			Expect(status.Session.Role).To(Equal(role))
			utils.LogKeyValue("session", status.Session.SessionID)

			utils.TimedBy("fetching again")
			second, err := h.Client.Get(ctx, path, secret.Freshness{})
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Cached).To(BeTrue())
			Expect(second.Version).To(Equal(first.Version))
		})

		It("reads KV v1 secrets", func() {
			ctx := GetContext()
			Expect(env.Admin.PutKVv1(ctx, KVv1Mount, app+"/api", map[string]interface{}{
				"key":   "abc",
				"limit": 10,
			})).To(Succeed())

			h := newBroker()
			res, err := h.Client.Get(ctx, KVv1Mount+"/"+app+"/api", secret.Freshness{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Data).To(HaveKeyWithValue("key", "abc"))
			Expect(res.Data).To(HaveKeyWithValue("limit", "10"))
			Expect(res.Class).To(Equal(secret.ClassStatic))
		})

		It("reports missing secrets as not found", func() {
			h := newBroker()
			_, err := h.Client.Get(GetContext(), "secret/data/"+app+"/missing", secret.Freshness{})
			Expect(sharederrors.IsSecretNotFound(err)).To(BeTrue(), "got %v", err)
		})

		It("reports paths outside the policy as rejected without dropping the session", func() {
			h := newBroker()
			ctx := GetContext()
			_, err := env.Admin.PutKVv2(ctx, "secret", "apps/other/db", map[string]interface{}{"password": "x"})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.Client.Get(ctx, "secret/data/apps/other/db", secret.Freshness{})
			var rejected *sharederrors.AuthRejectedError
			Expect(errors.As(err, &rejected)).To(BeTrue(), "got %v", err)
			Expect(rejected.StatusCode).To(Equal(403))
			Expect(h.Client.Status().Session.State).To(Equal(token.StateActive))
		})
	})

	Context("session lifecycle", func() {
		It("re-authenticates once when the token is revoked", func() {
			ctx := GetContext()
			path := "secret/data/" + app + "/db"
			_, err := env.Admin.PutKVv2(ctx, "secret", app+"/db", map[string]interface{}{"password": "v1"})
			Expect(err).NotTo(HaveOccurred())

			h := newBroker(func(o *BrokerOptions) {
				o.Cache = secret.Config{DefaultClass: secret.ClassDynamic}
			})
			_, err = h.Client.Get(ctx, path, secret.Freshness{})
			Expect(err).NotTo(HaveOccurred())
			before := h.Client.Status().Session

			utils.TimedBy("revoking the session token out of band")
			Expect(env.Admin.RevokeAccessor(ctx, before.Accessor)).To(Succeed())

			res, err := h.Client.Get(ctx, path, secret.Freshness{ForceRefresh: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Data).To(HaveKeyWithValue("password", "v1"))

			after := h.Client.Status().Session
			Expect(after.SessionID).NotTo(Equal(before.SessionID))
			Expect(after.State).To(Equal(token.StateActive))
		})

		It("renews the token before it expires", func() {
			Expect(env.CreateWorkloadRole(GetContext(), role, subject, "6s", "secret/data/"+app+"/*")).To(Succeed())

			h := newBroker(func(o *BrokerOptions) { o.RenewalFraction = 0.5 })
			_, err := h.Sessions.EnsureSession(GetContext())
			Expect(err).NotTo(HaveOccurred())
			id := h.Client.Status().Session.SessionID

			Eventually(func() int {
				return h.Client.Status().Session.RenewalCount
			}).WithTimeout(15 * time.Second).WithPolling(250 * time.Millisecond).Should(BeNumerically(">=", 1))
			Expect(h.Client.Status().Session.SessionID).To(Equal(id))
		})

		It("fails fast when Vault rejects the identity", func() {
			h := newBroker(func(o *BrokerOptions) { o.Subject = "system:serviceaccount:prod:intruder" })

			_, err := h.Client.Get(GetContext(), "secret/data/"+app+"/db", secret.Freshness{})
			Expect(sharederrors.IsAuthRejected(err)).To(BeTrue(), "got %v", err)
			Expect(h.Client.Status().Session.State).To(Equal(token.StateFailed))

			_, err = h.Client.Get(GetContext(), "secret/data/"+app+"/db", secret.Freshness{})
			Expect(sharederrors.IsNoValidSession(err)).To(BeTrue(), "got %v", err)
		})
	})

	Context("rotation", func() {
		It("delivers new versions to subscribers on refresh", func() {
			ctx := GetContext()
			path := "secret/data/" + app + "/rotating"
			_, err := env.Admin.PutKVv2(ctx, "secret", app+"/rotating", map[string]interface{}{"password": "one"})
			Expect(err).NotTo(HaveOccurred())

			h := newBroker()
			received := make(chan *broker.Result, 4)
			unsubscribe, err := h.Client.Subscribe(path, func(r *broker.Result) { received <- r })
			Expect(err).NotTo(HaveOccurred())
			defer unsubscribe()

			_, err = h.Client.Get(ctx, path, secret.Freshness{})
			Expect(err).NotTo(HaveOccurred())
			Eventually(received).WithTimeout(5 * time.Second).Should(Receive(
				HaveField("Data", HaveKeyWithValue("password", "one"))))

			utils.TimedBy("rotating the secret in Vault")
			_, err = env.Admin.PutKVv2(ctx, "secret", app+"/rotating", map[string]interface{}{"password": "two"})
			Expect(err).NotTo(HaveOccurred())
			Expect(h.Client.Refresh(ctx)).To(Succeed())

			var rotated *broker.Result
			Eventually(received).WithTimeout(5 * time.Second).Should(Receive(&rotated))
			Expect(rotated.Data).To(HaveKeyWithValue("password", "two"))
			Expect(rotated.Version).To(Equal(int64(2)))
			Expect(rotated.BrokerVersion).To(Equal(int64(2)))
		})
	})
})
