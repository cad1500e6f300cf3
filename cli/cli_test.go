package cli

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/digitorus/dss/internal/testpki"
	"github.com/digitorus/dss/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type exitCode int

// run executes the command line args with os.Exit and stdout patched. It
// returns the output and the exit code, -1 when the command did not exit.
func run(t *testing.T, args ...string) (out string, code int) {
	t.Helper()

	origArgs, origExit, origStdout := os.Args, osExit, stdout
	defer func() {
		os.Args, osExit, stdout = origArgs, origExit, origStdout
	}()

	var buf bytes.Buffer
	os.Args = append([]string{"dss"}, args...)
	osExit = func(code int) { panic(exitCode(code)) }
	stdout = &buf

	code = -1
	func() {
		defer func() {
			if r := recover(); r != nil {
				c, ok := r.(exitCode)
				if !ok {
					panic(r)
				}
				code = int(c)
			}
		}()
		Main()
	}()
	return buf.String(), code
}

// fixture is a signed container together with a configuration trusting the
// test root and revocation evidence files for its chain.
type fixture struct {
	pki          *testpki.TestPKI
	dir          string
	config       string
	document     string
	leafOCSP     string
	intermediate string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	t.Cleanup(pki.Close)

	f := &fixture{pki: pki, dir: t.TempDir()}
	write := func(name string, data []byte) string {
		path := filepath.Join(f.dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}

	root := write("root.pem", testpki.PEM(pki.RootCert))
	f.config = write("dss.toml", []byte("[trust-anchor]\nroot = \""+filepath.ToSlash(root)+"\"\n"))

	key, leaf := pki.IssueLeaf("CLI Signer")
	signingTime := pki.Now.Add(-time.Hour)
	f.document = write("signed.zip", pki.SignedZIP(
		[]testpki.Entry{{Name: "report.txt", Data: []byte("quarterly")}},
		testpki.SignatureOptions{
			Key:          key,
			Certificates: []*x509.Certificate{leaf, pki.IntermediateCerts[0]},
			SigningTime:  signingTime,
		},
		testpki.SignatureOptions{
			Key:          key,
			Certificates: []*x509.Certificate{leaf, pki.IntermediateCerts[0]},
			SigningTime:  signingTime,
			Corrupt:      true,
		},
	))
	f.leafOCSP = write("leaf.ocsp", pki.OCSPResponse(leaf, signingTime, pki.Now))
	f.intermediate = write("intermediate.ocsp", pki.OCSPResponse(pki.IntermediateCerts[0], signingTime, pki.Now))
	return f
}

func decodeReport(t *testing.T, out string) Report {
	t.Helper()
	var report struct {
		Signatures []struct {
			Signer      string        `json:"signer"`
			TrustValid  bool          `json:"trust_valid"`
			TrustReason verify.Reason `json:"trust_reason"`
		} `json:"signatures"`
		Omitted []Omitted `json:"omitted"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report), out)

	r := Report{Omitted: report.Omitted}
	for _, s := range report.Signatures {
		r.Signatures = append(r.Signatures, &verify.SignatureInfo{
			SignerName:  s.Signer,
			TrustValid:  s.TrustValid,
			TrustReason: s.TrustReason,
		})
	}
	return r
}

func TestUsage(t *testing.T) {
	_, code := run(t)
	assert.Equal(t, 1, code)

	_, code = run(t, "sign", "input.zip")
	assert.Equal(t, 1, code)

	_, code = run(t, "help")
	assert.Equal(t, 1, code)
}

func TestVerifyCommand(t *testing.T) {
	f := newFixture(t)

	t.Run("no arguments", func(t *testing.T) {
		_, code := run(t, "verify")
		assert.Equal(t, 1, code)
	})

	t.Run("with evidence", func(t *testing.T) {
		out, code := run(t, "verify", "-config", f.config, "-ocsp", f.leafOCSP, "-ocsp", f.intermediate, f.document)
		require.Equal(t, -1, code, out)

		report := decodeReport(t, out)
		require.Len(t, report.Signatures, 1)
		assert.Equal(t, "CLI Signer", report.Signatures[0].SignerName)
		assert.True(t, report.Signatures[0].TrustValid)

		require.Len(t, report.Omitted, 1)
		assert.Equal(t, 1, report.Omitted[0].Index)
		assert.Equal(t, verify.ReasonInvalidSignature, report.Omitted[0].Reason)
		assert.NotEmpty(t, report.Omitted[0].Error)
	})

	t.Run("without evidence", func(t *testing.T) {
		out, code := run(t, "verify", "-config", f.config, f.document)
		require.Equal(t, -1, code, out)

		report := decodeReport(t, out)
		require.Len(t, report.Signatures, 1)
		assert.False(t, report.Signatures[0].TrustValid)
		assert.Equal(t, verify.ReasonNoRevocationData, report.Signatures[0].TrustReason)
	})

	t.Run("fetched evidence", func(t *testing.T) {
		requests := f.pki.OCSPRequests
		out, code := run(t, "verify", "-config", f.config, "-ocsp", f.intermediate, "-fetch", "-http-timeout", "5s", f.document)
		require.Equal(t, -1, code, out)

		report := decodeReport(t, out)
		require.Len(t, report.Signatures, 1)
		assert.True(t, report.Signatures[0].TrustValid)
		assert.Greater(t, f.pki.OCSPRequests, requests)
	})

	t.Run("missing file", func(t *testing.T) {
		_, code := run(t, "verify", "-config", f.config, filepath.Join(f.dir, "missing.zip"))
		assert.Equal(t, 1, code)
	})

	t.Run("missing evidence file", func(t *testing.T) {
		_, code := run(t, "verify", "-config", f.config, "-crl", filepath.Join(f.dir, "missing.crl"), f.document)
		assert.Equal(t, 1, code)
	})

	t.Run("unsupported content type", func(t *testing.T) {
		_, code := run(t, "verify", "-config", f.config, "-type", "application/pdf", f.document)
		assert.Equal(t, 1, code)
	})

	t.Run("invalid log level", func(t *testing.T) {
		_, code := run(t, "verify", "-log-level", "LOUD", f.document)
		assert.Equal(t, 1, code)
	})
}

func TestLoadEvidence(t *testing.T) {
	f := newFixture(t)
	der := f.pki.CRL(f.pki.RootCert, f.pki.Now, f.pki.Now.Add(time.Hour))
	pemCRL := filepath.Join(f.dir, "root.crl")
	require.NoError(t, os.WriteFile(pemCRL, pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), 0o600))

	ev, err := loadEvidence([]string{f.leafOCSP, f.leafOCSP}, []string{pemCRL})
	require.NoError(t, err)
	assert.Len(t, ev.OCSP, 1)
	require.Len(t, ev.CRL, 1)
	assert.Equal(t, der, ev.CRL[0])
}

func TestViewCommand(t *testing.T) {
	f := newFixture(t)

	out, code := run(t, "view", "-config", f.config, "-lang", "nl", f.document)
	require.Equal(t, -1, code, out)
	assert.Contains(t, out, "<h1>ZIP-pakket</h1>")
	assert.Contains(t, out, "<td>report.txt</td><td>9</td>")

	output := filepath.Join(f.dir, "listing.html")
	_, code = run(t, "view", "-config", f.config, "-o", output, f.document)
	require.Equal(t, -1, code)
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<h1>ZIP package</h1>")

	_, code = run(t, "view")
	assert.Equal(t, 1, code)
}

func TestCheckCommand(t *testing.T) {
	f := newFixture(t)
	broken := filepath.Join(f.dir, "broken.zip")
	require.NoError(t, os.WriteFile(broken, []byte("not an archive"), 0o600))

	out, code := run(t, "check", "-config", f.config, f.document)
	assert.Equal(t, -1, code)
	assert.Equal(t, f.document+": ok\n", out)

	out, code = run(t, "check", "-config", f.config, f.document, broken)
	assert.Equal(t, 1, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], ": ok"))
	assert.True(t, strings.HasPrefix(lines[1], broken+": "))

	_, code = run(t, "check")
	assert.Equal(t, 1, code)
}
