package encryption

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
)

func readPEM(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s [%w]", path, err)
	}
	return string(content), nil
}

/*
loadPrimaryKeyPair load the primary RSA key pair. The public key wraps new symmetric keys;
the private key unwraps them.

	@param ctx context.Context - execution context
	@param certFile string - x509 certificate PEM
	@param keyFile string - RSA private key PEM
*/
func (e *cryptoEngine) loadPrimaryKeyPair(ctx context.Context, certFile, keyFile string) error {
	certPEM, err := readPEM(certFile)
	if err != nil {
		return err
	}
	keyPEM, err := readPEM(keyFile)
	if err != nil {
		return err
	}

	cert, err := e.crypto.ParseCertificateFromPEM(ctx, certPEM)
	if err != nil {
		return fmt.Errorf("failed to parse x509 certificate in %s [%w]", certFile, err)
	}
	var pubKey *rsa.PublicKey
	if pubKey, err = e.crypto.ReadRSAPublicKeyFromCert(ctx, cert); err != nil {
		return fmt.Errorf("certificate in %s carries no RSA public key [%w]", certFile, err)
	}
	privKey, err := e.crypto.ParseRSAPrivateKeyFromPEM(ctx, keyPEM)
	if err != nil {
		return fmt.Errorf("failed to parse RSA private key in %s [%w]", keyFile, err)
	}
	if privKey.PublicKey.N.Cmp(pubKey.N) != 0 {
		return fmt.Errorf("private key in %s does not match certificate %s", keyFile, certFile)
	}

	e.rsaKey = privKey
	e.rsaPubKey = pubKey
	return nil
}
