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
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)

	suiteConfig, reporterConfig := GinkgoConfiguration()
	reporterConfig.Verbose = true

	RunSpecs(t, "Broker Integration Suite", suiteConfig, reporterConfig)
}

var _ = BeforeSuite(func() {
	By("Checking Docker availability")
	if !IsDockerAvailable() {
		Skip("Docker daemon not available - skipping integration tests. Start Docker to run integration tests.")
	}

	By("Setting up test context")
	ctx, cancel := context.WithCancel(context.Background())
	SetContext(ctx, cancel)

	By("Starting Vault")
	env := NewTestEnvironment(
		WithVaultOptions(WithLogLevel("info")),
		WithTestEnvTimeout(90*time.Second),
	)
	SetTestEnv(env)
	Expect(env.Start()).To(Succeed(), "Failed to start test environment")

	By("Waiting for Vault to be healthy")
	Expect(env.WaitForVaultHealthy(30 * time.Second)).To(Succeed())
})

var _ = AfterSuite(func() {
	if cancel := GetCancel(); cancel != nil {
		cancel()
	}
	if env := GetTestEnv(); env != nil {
		Expect(env.Stop()).To(Succeed())
	}
})

var _ = ReportAfterEach(func(report SpecReport) {
	if report.Failed() {
		if env := GetTestEnv(); env != nil && env.VaultContainer != nil {
			env.DumpVaultLogs(context.Background())
		}
	}
})
