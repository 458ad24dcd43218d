// Package cryptoutil verifies published policy documents: constant-time
// digest comparison and detached signatures checked against an AWS KMS
// asymmetric key (ECDSA P-256/P-384 or RSA-PSS).
package cryptoutil
