/*
Package auth produces platform identity proofs for Vault login.

Each ProofSource asks the platform it runs on for a short-lived, signed
statement of who the workload is. The proof is handed to the broker
authenticator once and then dropped; nothing here caches or persists a proof.

# Supported Sources

  - kubernetes.go: projected service account token read from disk
  - jwt.go: JWT from a file or minted through the Kubernetes TokenRequest API
  - aws.go: signed STS GetCallerIdentity request (IRSA, instance profiles)
  - gcp.go: GCE instance identity token or IAM-signed JWT
  - azure.go: managed identity access token plus instance metadata
  - oci.go: instance principal signed request headers
  - chain.go: first source that succeeds, in order

# Common Pattern

Each source follows a consistent pattern:

 1. Options struct - Configuration for the source
 2. New*Source constructor - validates options, applies defaults
 3. ObtainProof - one network or file round trip, bounded by a timeout

# Kubernetes

	src := auth.NewKubernetesSource(auth.KubernetesOptions{})
	proof, err := src.ObtainProof(ctx)

# AWS IAM

	src, err := auth.NewAWSSource(auth.AWSAuthOptions{
	    Region:                 "us-west-2",
	    IAMServerIDHeaderValue: "vault.example.com",
	})

# Chaining

	src := auth.NewChainSource(
	    auth.NewKubernetesSource(auth.KubernetesOptions{}),
	    gceSource,
	)
*/
package auth
