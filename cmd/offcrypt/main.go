// Command offcrypt inspects and decrypts password-protected Office documents.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/fcwoknhenuxdfiyv/offcrypt"
	_ "github.com/fcwoknhenuxdfiyv/offcrypt/agile" // version 4.4 XML descriptors
	"github.com/fcwoknhenuxdfiyv/offcrypt/commoncrypt"
	_ "github.com/fcwoknhenuxdfiyv/offcrypt/standard" // version 2-4.2 binary records
)

var (
	app = kingpin.New("offcrypt",
		"Inspect and decrypt encrypted Office documents.")

	verboseFlag = app.Flag("verbose", "Verbose logging, including key derivation traces.").
			Short('v').Bool()

	detectCmd  = app.Command("detect", "Report whether a file is an encrypted Office container.")
	detectFile = detectCmd.Arg("file", "Document to examine.").Required().ExistingFile()

	infoCmd  = app.Command("info", "Print a file's encryption parameters.")
	infoFile = infoCmd.Arg("file", "Document to examine.").Required().ExistingFile()

	decryptCmd  = app.Command("decrypt", "Decrypt a file to plaintext.")
	decryptFile = decryptCmd.Arg("file", "Document to decrypt.").Required().ExistingFile()
	decryptOut  = decryptCmd.Flag("output", "Write plaintext here instead of stdout.").
			Short('o').String()
	decryptPass = decryptCmd.Flag("password", "Document password.").
			Short('p').Envar("OFFCRYPT_PASSWORD").String()
)

func main() {
	app.HelpFlag.Short('h')
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logrus.SetOutput(os.Stderr)
	if *verboseFlag {
		logrus.SetLevel(logrus.TraceLevel)
		offcrypt.Debug = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch command {
	case detectCmd.FullCommand():
		err = doDetect()
	case infoCmd.FullCommand():
		err = doInfo()
	case decryptCmd.FullCommand():
		err = doDecrypt(ctx)
	}
	if err != nil {
		logrus.Error(err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error taxonomy onto stable shell codes: 1 retryable
// (wrong password, plaintext input), 2 unsupported scheme, 3 corrupted
// metadata, 4 anything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, offcrypt.ErrInvalidPassword),
		errors.Is(err, offcrypt.ErrNotEncrypted):
		return 1
	case errors.Is(err, offcrypt.ErrUnsupportedScheme):
		return 2
	case errors.Is(err, offcrypt.ErrCorruptedMetadata):
		return 3
	default:
		return 4
	}
}

func doDetect() error {
	c, err := offcrypt.OpenFile(*detectFile)
	if err != nil {
		if errors.Is(err, offcrypt.ErrNotEncrypted) {
			fmt.Printf("%s: plain (not a compound file)\n", *detectFile)
		}
		return err
	}
	enc, err := offcrypt.Detect(c)
	if err != nil {
		return err
	}
	if !enc {
		fmt.Printf("%s: plain compound file\n", *detectFile)
		return offcrypt.ErrNotEncrypted
	}
	md, err := offcrypt.ParseMetadata(c)
	if err != nil {
		// encrypted either way; the scheme just could not be parsed
		fmt.Printf("%s: encrypted\n", *detectFile)
		return err
	}
	fmt.Printf("%s: encrypted, %s\n", *detectFile, md.Info.Describe())
	return nil
}

func doInfo() error {
	c, err := offcrypt.OpenFile(*infoFile)
	if err != nil {
		return err
	}
	md, err := offcrypt.ParseMetadata(c)
	if err != nil {
		return err
	}
	major, minor := md.Info.Version()
	fmt.Printf("source:     %s\n", md.Source)
	fmt.Printf("scheme:     %s\n", md.Info.Scheme())
	fmt.Printf("version:    %d.%d\n", major, minor)
	fmt.Printf("summary:    %s\n", md.Info.Describe())
	fmt.Printf("ciphertext: %s\n", humanize.Bytes(md.EncryptedSize))
	fmt.Printf("plaintext:  %s\n", humanize.Bytes(md.PackageSize))
	for _, w := range md.Info.Warnings() {
		fmt.Printf("warning:    %s\n", w)
	}
	return nil
}

func doDecrypt(ctx context.Context) error {
	c, err := offcrypt.OpenFile(*decryptFile)
	if err != nil {
		return err
	}
	md, err := offcrypt.ParseMetadata(c)
	if err != nil {
		return err
	}
	for _, w := range md.Info.Warnings() {
		logrus.Warn(w)
	}

	password, err := resolvePassword(ctx, md)
	if err != nil {
		return err
	}

	var trace commoncrypt.TraceFunc
	if *verboseFlag {
		trace = kdfTrace
	}
	key, err := md.Info.Key(ctx, password, trace)
	if err != nil {
		return err
	}
	defer commoncrypt.Zero(key)

	if v, ok := md.Info.(offcrypt.IntegrityVerifier); ok {
		r, err := c.Open(offcrypt.StreamEncryptedPackage)
		if err != nil {
			return err
		}
		if err := v.VerifyIntegrity(ctx, r, key); err != nil {
			return err
		}
		logrus.Debug("package hmac verified")
	}

	pr, err := offcrypt.DecryptStreamWithKey(ctx, c, md, key)
	if err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	dest := "stdout"
	if *decryptOut != "" {
		f, err := os.Create(*decryptOut)
		if err != nil {
			return err
		}
		defer f.Close()
		out, dest = f, *decryptOut
	}
	n, err := io.Copy(out, pr)
	if err != nil {
		return err
	}
	if uint64(n) != md.PackageSize {
		return fmt.Errorf("offcrypt: wrote %d of %d plaintext bytes: %w",
			n, md.PackageSize, offcrypt.ErrCorruptedMetadata)
	}
	logrus.Infof("decrypted %s to %s", humanize.Bytes(uint64(n)), dest)
	return nil
}

// resolvePassword prefers the flag and environment, then the writer default
// password that Excel applies to "unprotected" encrypted sheets, and finally
// an interactive prompt.
func resolvePassword(ctx context.Context, md *offcrypt.Metadata) (string, error) {
	if *decryptPass != "" {
		return *decryptPass, nil
	}
	if ok, err := offcrypt.VerifyPassword(ctx, md, offcrypt.DefaultPassword); err == nil && ok {
		logrus.Debug("document opens with the writer default password")
		return offcrypt.DefaultPassword, nil
	} else if err != nil {
		return "", err
	}
	return promptPassword("Password: ")
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		// stdin is piped, so ask the controlling terminal
		tty, err := os.Open("/dev/tty")
		if err != nil {
			fmt.Fprintln(os.Stderr)
			return "", errors.New("offcrypt: stdin is not a terminal; use --password or OFFCRYPT_PASSWORD")
		}
		defer tty.Close()
		fd = int(tty.Fd())
	}
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	s := string(pw)
	commoncrypt.Zero(pw)
	return s, nil
}

// kdfTrace surfaces key derivation progress. The digest argument is key
// material and is never printed; stages and sampled iteration counts are
// enough to see where a slow derivation is spending its time.
func kdfTrace(stage string, i int, _ []byte) {
	if stage == "spin" && i%10000 != 0 {
		return
	}
	logrus.WithFields(logrus.Fields{"stage": stage, "iteration": i}).
		Trace("key derivation")
}
