package main

import (
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"syscall"

	"github.com/affggh/otaupdate/blockwriter"
	"github.com/affggh/otaupdate/bootmsg"
	"github.com/affggh/otaupdate/errs"
	"github.com/affggh/otaupdate/mount"
	"github.com/affggh/otaupdate/partitionrecord"
	"github.com/affggh/otaupdate/pkgreader"
	"github.com/affggh/otaupdate/sign"
	"github.com/affggh/otaupdate/transferlist"
	"github.com/affggh/otaupdate/updater"
	"github.com/schollz/progressbar/v3"
)

type action int

const (
	ACTION_APPLY action = iota
	ACTION_LIST
	ACTION_BOOT
)

const Version = "Unknow-dirty"

type config struct {
	pkgPath     string
	fstabPath   string
	journalDir  string
	stashDir    string
	certPath    string
	act         action
	showVersion bool
}

func main() {
	cfg := config{
		journalDir: "/cache/recovery",
		stashDir:   "/cache/ota-stash",
		act:        ACTION_APPLY,
	}

	flag.StringVar(&cfg.pkgPath, "i", "", "input update package")
	flag.StringVar(&cfg.fstabPath, "fstab", "/etc/fstab", "mount point to device fstab")
	flag.StringVar(&cfg.journalDir, "journal", cfg.journalDir, "partition completion journal directory")
	flag.StringVar(&cfg.stashDir, "stash", cfg.stashDir, "transfer list stash directory")
	flag.StringVar(&cfg.certPath, "cert", "", "DER-encoded trusted signing certificate")
	flag.BoolFunc("L", "list package entries, do not apply", func(s string) error {
		cfg.act = ACTION_LIST
		return nil
	})
	flag.BoolFunc("boot", "boot-message mode: take the package list from the misc partition", func(s string) error {
		cfg.act = ACTION_BOOT
		return nil
	})
	flag.BoolVar(&cfg.showVersion, "v", false, "print version and exit")
	flag.Parse()

	if cfg.showVersion {
		fmt.Println("- Version:", Version)
		os.Exit(0)
	}

	if cfg.act == ACTION_BOOT {
		doBoot(cfg)
		return
	}

	if len(cfg.pkgPath) == 0 {
		log.Fatalln("Must spec input package with -i!")
	}

	fd, err := os.Open(cfg.pkgPath)
	if err != nil {
		log.Fatalln(err)
	}
	defer fd.Close()

	size, err := fd.Seek(0, io.SeekEnd)
	if err != nil {
		log.Fatalln(err)
	}
	if _, err := fd.Seek(0, io.SeekStart); err != nil {
		log.Fatalln(err)
	}

	r, err := pkgreader.Open(fd, size)
	if err != nil {
		log.Fatalln(err)
	}

	switch cfg.act {
	case ACTION_LIST:
		doList(r)
	case ACTION_APPLY:
		doApply(cfg, r)
	default:
		log.Fatalln("Unsupported action")
	}
}

func doList(r *pkgreader.Reader) {
	m, err := r.ListEntries()
	if err != nil {
		log.Fatalln(err)
	}
	fmt.Println("- Software version:", m.SoftwareVersion)
	fmt.Println("- Product ID:", m.ProductID)
	for _, e := range m.Entries {
		fmt.Printf("  %-32s type=%d packed=%d unpacked=%d\n", e.Identity, e.Type, e.PackedSize, e.UncompressedSize)
	}
}

func doApply(cfg config, r *pkgreader.Reader) {
	trust, err := loadTrust(cfg.certPath)
	if err != nil {
		log.Fatalln(err)
	}

	journal, resolver := openJournalAndResolver(cfg)

	progress := make(chan updater.ProgressEvent, 64)
	bar := progressbar.Default(100, "applying update")
	done := make(chan struct{})
	go func() {
		defer close(done)
		lastPct := 0
		for ev := range progress {
			switch ev.Tag {
			case updater.TagPartition:
				bar.Describe("partition: " + ev.Payload)
			case updater.TagPercent:
				if pct, err := strconv.Atoi(ev.Payload); err == nil {
					bar.Add(pct - lastPct)
					lastPct = pct
				}
			case updater.TagRetry:
				log.Println("retrying after fault:", ev.Payload)
			case updater.TagDone:
				bar.Finish()
			}
		}
	}()

	var bootResolver bootmsg.MountResolver
	if resolver != nil {
		bootResolver = resolver
	}

	d := &updater.Driver{
		Package:  r,
		Trust:    trust,
		Journal:  journal,
		BootMsg:  bootResolver,
		Progress: progress,
		StashDir: cfg.stashDir,
		OpenTarget: func(partition string) (transferlist.Target, error) {
			devPath := partition
			if resolver != nil {
				if p, err := resolver.DeviceForMountPoint("/" + partition); err == nil {
					devPath = p
				}
			}
			return blockwriter.Open(devPath, blockwriter.ModeBlock)
		},
	}

	err = d.Run()
	close(progress)
	<-done

	if err != nil {
		log.Println("update failed:", err)
		os.Exit(exitCode(err))
	}
	fmt.Println("update applied successfully")
}

// Exit codes reported to the invoking environment: 0 success, 1 generic
// error, 2 verify failed, 3 space insufficient, 4 retry requested.
func exitCode(err error) int {
	switch {
	case errs.Of(err, errs.VerifyFailed), errs.Of(err, errs.HashMismatch),
		errs.Of(err, errs.CertParseError), errs.Of(err, errs.UnknownAlgorithm):
		return 2
	case errs.Of(err, errs.MiscFull), errors.Is(err, syscall.ENOSPC):
		return 3
	case updater.Classify(err).Retryable():
		return 4
	default:
		return 1
	}
}

// doBoot runs the boot-message-driven session the bootloader hands off
// to: package list, retry count, and resume position all come from the
// misc partition rather than the command line.
func doBoot(cfg config) {
	trust, err := loadTrust(cfg.certPath)
	if err != nil {
		log.Fatalln(err)
	}
	journal, resolver := openJournalAndResolver(cfg)
	if resolver == nil {
		log.Fatalln("boot mode needs a usable fstab to locate the misc partition")
	}

	s := &updater.Session{
		BootMsg:  resolver,
		Trust:    trust,
		Journal:  journal,
		StashDir: cfg.stashDir,
		OpenTarget: func(partition string) (transferlist.Target, error) {
			devPath, err := resolver.DeviceForMountPoint("/" + partition)
			if err != nil {
				devPath = partition
			}
			return blockwriter.Open(devPath, blockwriter.ModeBlock)
		},
		Reboot: func(target string) error {
			// The real reboot is the init system's job; report the intent
			// and let the wrapper script act on the exit code.
			log.Println("reboot requested, target:", target)
			return nil
		},
	}

	if err := s.Run(); err != nil {
		log.Println("update session failed:", err)
		os.Exit(exitCode(err))
	}
	fmt.Println("update session completed")
}

func openJournalAndResolver(cfg config) (*partitionrecord.Journal, *mount.FstabResolver) {
	if err := os.MkdirAll(cfg.journalDir, 0o755); err != nil {
		log.Fatalln(err)
	}
	if err := os.MkdirAll(cfg.stashDir, 0o755); err != nil {
		log.Fatalln(err)
	}
	journalPath := cfg.journalDir + "/last_issue_maintenance"
	if _, err := os.Stat(journalPath); os.IsNotExist(err) {
		// A fresh journal file must span the record area so the first
		// offset read does not land past EOF.
		if err := os.WriteFile(journalPath, make([]byte, 128*1024), 0o600); err != nil {
			log.Fatalln(err)
		}
	}
	journal := partitionrecord.New(journalPath, 64*1024)

	resolver, err := mount.NewFstabResolver(cfg.fstabPath)
	if err != nil {
		log.Println("warning: fstab unavailable, falling back to compiled-in paths:", err)
		resolver = nil
	}
	return journal, resolver
}

func loadTrust(certPath string) (sign.TrustStore, error) {
	if certPath == "" {
		return sign.StaticTrustStore{}, nil
	}
	der, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return sign.StaticTrustStore{cert}, nil
}
