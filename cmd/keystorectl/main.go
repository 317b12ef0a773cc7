// keystorectl is a command-line client for keystored. It drives the full
// client API: key management, entropy, and complete encrypt, decrypt,
// sign, and verify sessions.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/keystore-client/pkg/keyparam"
	"github.com/kenneth/keystore-client/pkg/keystore"
	"github.com/kenneth/keystore-client/pkg/transport/httpapi"
)

var version = "dev"

const usage = `Usage: keystorectl [flags] <command> [command flags]

Commands:
  generate    Create a key
  import      Import key material from a file
  export      Export public key material to a file
  delete      Delete a key
  delete-all  Delete every key
  list        List key names
  exists      Check whether a key exists
  info        Show key characteristics
  entropy     Mix entropy into the service RNG
  encrypt     Encrypt stdin to stdout
  decrypt     Decrypt stdin to stdout
  sign        Sign stdin, print the signature as base64
  verify      Verify stdin against a base64 signature
  version     Print version
`

var algorithms = map[string]uint32{
	"aes":      keyparam.AlgorithmAES,
	"chacha20": keyparam.AlgorithmChaCha20,
	"hmac":     keyparam.AlgorithmHMAC,
	"ed25519":  keyparam.AlgorithmED25519,
	"ec":       keyparam.AlgorithmEC,
}

var purposes = map[string]keystore.Purpose{
	"encrypt": keystore.PurposeEncrypt,
	"decrypt": keystore.PurposeDecrypt,
	"sign":    keystore.PurposeSign,
	"verify":  keystore.PurposeVerify,
}

func main() {
	var (
		server  = flag.String("server", "http://127.0.0.1:7499", "keystored base URL")
		secret  = flag.String("secret", os.Getenv("KEYSTORE_AUTH_SECRET"), "Shared auth secret (or KEYSTORE_AUTH_SECRET)")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall command timeout")
		verbose = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}

	opts := []httpapi.Option{httpapi.WithLogger(logger)}
	if *secret != "" {
		opts = append(opts, httpapi.WithAuthSecret(*secret))
	}
	ks := keystore.New(httpapi.NewClient(*server, opts...), keystore.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	command := flag.Arg(0)
	args := flag.Args()[1:]
	if err := run(ctx, ks, command, args); err != nil {
		fmt.Fprintf(os.Stderr, "keystorectl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, ks keystore.Client, command string, args []string) error {
	switch command {
	case "generate":
		return cmdGenerate(ctx, ks, args)
	case "import":
		return cmdImport(ctx, ks, args)
	case "export":
		return cmdExport(ctx, ks, args)
	case "delete":
		return withName(args, func(name string) error { return ks.DeleteKey(ctx, name) })
	case "delete-all":
		return ks.DeleteAllKeys(ctx)
	case "list":
		return cmdList(ctx, ks, args)
	case "exists":
		return withName(args, func(name string) error {
			fmt.Println(ks.DoesKeyExist(ctx, name))
			return nil
		})
	case "info":
		return cmdInfo(ctx, ks, args)
	case "entropy":
		return cmdEntropy(ctx, ks, args)
	case "encrypt":
		return cmdEncrypt(ctx, ks, args)
	case "decrypt":
		return cmdDecrypt(ctx, ks, args)
	case "sign":
		return cmdSign(ctx, ks, args)
	case "verify":
		return cmdVerify(ctx, ks, args)
	case "version":
		fmt.Println("keystorectl", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func withName(args []string, fn func(name string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one key name")
	}
	return fn(args[0])
}

func parseParams(algorithm, purposeList string, keySize int) (*keyparam.Set, error) {
	alg, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unknown algorithm %q", algorithm)
	}
	params := keyparam.NewSet().AddUint32(keyparam.TagAlgorithm, alg)
	for _, p := range strings.Split(purposeList, ",") {
		purpose, ok := purposes[strings.TrimSpace(p)]
		if !ok {
			return nil, fmt.Errorf("unknown purpose %q", p)
		}
		params.AddUint32(keyparam.TagPurpose, uint32(purpose))
	}
	if keySize > 0 {
		params.AddUint32(keyparam.TagKeySize, uint32(keySize))
	}
	return params, nil
}

func cmdGenerate(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	algorithm := fs.String("alg", "aes", "Algorithm: aes, chacha20, hmac, ed25519, ec")
	purposeList := fs.String("purposes", "encrypt,decrypt", "Comma-separated purposes")
	keySize := fs.Int("size", 0, "Key size in bits (0 picks the algorithm default)")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	params, err := parseParams(*algorithm, *purposeList, *keySize)
	if err != nil {
		return err
	}
	chars, err := ks.GenerateKey(ctx, *name, params)
	if err != nil {
		return err
	}
	printCharacteristics(chars)
	return nil
}

func cmdImport(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	purposeList := fs.String("purposes", "verify", "Comma-separated purposes")
	format := fs.String("format", "x509", "Material format: x509, pkcs8, raw")
	algorithm := fs.String("alg", "", "Algorithm, required for raw material")
	in := fs.String("in", "", "Input file (default stdin)")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var keyFormat keystore.KeyFormat
	switch *format {
	case "x509":
		keyFormat = keystore.FormatX509
	case "pkcs8":
		keyFormat = keystore.FormatPKCS8
	case "raw":
		keyFormat = keystore.FormatRaw
	default:
		return fmt.Errorf("unknown format %q", *format)
	}

	params := keyparam.NewSet()
	for _, p := range strings.Split(*purposeList, ",") {
		purpose, ok := purposes[strings.TrimSpace(p)]
		if !ok {
			return fmt.Errorf("unknown purpose %q", p)
		}
		params.AddUint32(keyparam.TagPurpose, uint32(purpose))
	}
	if *algorithm != "" {
		alg, ok := algorithms[*algorithm]
		if !ok {
			return fmt.Errorf("unknown algorithm %q", *algorithm)
		}
		params.AddUint32(keyparam.TagAlgorithm, alg)
	}

	data, err := readInput(*in)
	if err != nil {
		return err
	}
	chars, err := ks.ImportKey(ctx, *name, params, keyFormat, data)
	if err != nil {
		return err
	}
	printCharacteristics(chars)
	return nil
}

func cmdExport(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	name := fs.String("name", "", "Key name")
	out := fs.String("out", "", "Output file (default stdout)")
	fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	data, err := ks.ExportKey(ctx, keystore.FormatX509, *name)
	if err != nil {
		return err
	}
	return writeOutput(*out, data)
}

func cmdList(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	prefix := fs.String("prefix", "", "Only list keys with this prefix")
	fs.Parse(args)

	names, err := ks.ListKeys(ctx, *prefix)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func cmdInfo(ctx context.Context, ks keystore.Client, args []string) error {
	return withName(args, func(name string) error {
		chars, err := ks.GetKeyCharacteristics(ctx, name)
		if err != nil {
			return err
		}
		printCharacteristics(chars)
		return nil
	})
}

func cmdEntropy(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("entropy", flag.ExitOnError)
	in := fs.String("in", "", "Entropy file (default stdin)")
	fs.Parse(args)

	data, err := readInput(*in)
	if err != nil {
		return err
	}
	return ks.AddEntropy(ctx, data)
}

func cmdEncrypt(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	key := fs.String("key", "", "Key name")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	plaintext, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}

	outParams, handle, err := ks.BeginOperation(ctx, keystore.PurposeEncrypt, *key, nil)
	if err != nil {
		return err
	}
	nonce, ok := outParams.First(keyparam.TagNonce)
	if !ok {
		ks.AbortOperation(ctx, handle)
		return fmt.Errorf("service returned no nonce")
	}

	ciphertext, err := runSession(ctx, ks, handle, plaintext, nil)
	if err != nil {
		return err
	}

	// Output is nonce length, nonce, ciphertext, so decrypt can recover
	// the begin parameters.
	out := append([]byte{byte(len(nonce.Value))}, nonce.Value...)
	out = append(out, ciphertext...)
	_, err = os.Stdout.Write(out)
	return err
}

func cmdDecrypt(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("decrypt", flag.ExitOnError)
	key := fs.String("key", "", "Key name")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	blob, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	if len(blob) < 1 || len(blob) < 1+int(blob[0]) {
		return fmt.Errorf("input is not keystorectl encrypt output")
	}
	nonceLen := int(blob[0])
	nonce, ciphertext := blob[1:1+nonceLen], blob[1+nonceLen:]

	params := keyparam.NewSet().Add(keyparam.TagNonce, nonce)
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeDecrypt, *key, params)
	if err != nil {
		return err
	}
	plaintext, err := runSession(ctx, ks, handle, ciphertext, nil)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(plaintext)
	return err
}

func cmdSign(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("sign", flag.ExitOnError)
	key := fs.String("key", "", "Key name")
	fs.Parse(args)
	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	message, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeSign, *key, nil)
	if err != nil {
		return err
	}
	signature, err := runSession(ctx, ks, handle, message, nil)
	if err != nil {
		return err
	}
	fmt.Println(base64.StdEncoding.EncodeToString(signature))
	return nil
}

func cmdVerify(ctx context.Context, ks keystore.Client, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	key := fs.String("key", "", "Key name")
	signatureB64 := fs.String("signature", "", "Base64 signature from the sign command")
	fs.Parse(args)
	if *key == "" || *signatureB64 == "" {
		return fmt.Errorf("-key and -signature are required")
	}
	signature, err := base64.StdEncoding.DecodeString(*signatureB64)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	message, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	_, handle, err := ks.BeginOperation(ctx, keystore.PurposeVerify, *key, nil)
	if err != nil {
		return err
	}
	if _, err := runSession(ctx, ks, handle, message, signature); err != nil {
		return err
	}
	fmt.Println("signature valid")
	return nil
}

// runSession feeds input through update calls, re-submitting whatever
// the service left unconsumed, then finishes with the optional
// signature. The handle is aborted on any mid-session failure.
func runSession(ctx context.Context, ks keystore.Client, handle keystore.OperationHandle, input, signature []byte) ([]byte, error) {
	var output []byte
	remaining := input
	for len(remaining) > 0 {
		consumed, _, chunk, err := ks.UpdateOperation(ctx, handle, nil, remaining)
		if err != nil {
			ks.AbortOperation(ctx, handle)
			return nil, err
		}
		if consumed == 0 {
			ks.AbortOperation(ctx, handle)
			return nil, fmt.Errorf("service made no progress on update")
		}
		output = append(output, chunk...)
		remaining = remaining[consumed:]
	}

	_, final, err := ks.FinishOperation(ctx, handle, nil, signature)
	if err != nil {
		ks.AbortOperation(ctx, handle)
		return nil, err
	}
	return append(output, final...), nil
}

func printCharacteristics(chars *keystore.KeyCharacteristics) {
	printSet := func(label string, set *keyparam.Set) {
		fmt.Printf("%s:\n", label)
		for _, p := range set.Params() {
			if v, ok := p.Uint32(); ok {
				fmt.Printf("  tag %d = %d\n", p.Tag, v)
			} else {
				fmt.Printf("  tag %d = %s\n", p.Tag, base64.StdEncoding.EncodeToString(p.Value))
			}
		}
	}
	printSet("hardware-enforced", chars.HardwareEnforced)
	printSet("software-enforced", chars.SoftwareEnforced)
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
