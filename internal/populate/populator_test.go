package populate

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/n0m4d1k/covert-sd-card-tool/internal/crypt"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/partition"
	"github.com/n0m4d1k/covert-sd-card-tool/internal/plan"
	"github.com/n0m4d1k/covert-sd-card-tool/pkg/shell"
)

func newTestPopulator(fake *shell.Fake) *Populator {
	return NewPopulator(fake, crypt.NewProvisioner(fake, zerolog.Nop()), zerolog.Nop())
}

func TestWriteImageCopiesISO(t *testing.T) {
	dir := t.TempDir()
	iso := filepath.Join(dir, "os.iso")
	content := bytes.Repeat([]byte("live-os-image-block"), 4096)
	if err := os.WriteFile(iso, content, 0o644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "sdz2")
	if err := os.WriteFile(target, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	layout := partition.AppliedLayout{Device: filepath.Join(dir, "sdz"), Parts: []partition.AppliedPart{
		{Spec: plan.Spec{Role: plan.RoleOS, Index: 2, FSType: "raw"}, Path: target},
	}}
	p := newTestPopulator(&shell.Fake{})
	if err := p.Populate(context.Background(), layout, nil, nil, Options{ISOPath: iso, Flavor: plan.FlavorKali, MountBase: dir}); err != nil {
		t.Fatalf("populate: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("target has %d bytes, want %d identical to the image", len(got), len(content))
	}
}

func TestWriteImageMissingISO(t *testing.T) {
	dir := t.TempDir()
	layout := partition.AppliedLayout{Parts: []partition.AppliedPart{
		{Spec: plan.Spec{Role: plan.RoleOS, Index: 2, FSType: "raw"}, Path: filepath.Join(dir, "sdz2")},
	}}
	p := newTestPopulator(&shell.Fake{})
	err := p.Populate(context.Background(), layout, nil, nil, Options{ISOPath: filepath.Join(dir, "nope.iso"), MountBase: dir})
	var pe *PopulateError
	if !errors.As(err, &pe) || pe.Kind != ImageWriteFailed {
		t.Fatalf("expected ImageWriteFailed, got %v", err)
	}
}

func TestPopulatePersistenceWritesConf(t *testing.T) {
	dir := t.TempDir()
	fake := &shell.Fake{}
	p := newTestPopulator(fake)

	var opened, closed int
	p.OnOpen = func(crypt.Volume) { opened++ }
	p.OnClose = func(crypt.Volume) { closed++ }

	layout := partition.AppliedLayout{Parts: []partition.AppliedPart{
		{Spec: plan.Spec{Role: plan.RolePersistence, Index: 3, FSType: "ext4", Encrypted: true}, Path: "/dev/sdz3"},
	}}
	vols := map[plan.Role]crypt.Volume{
		plan.RolePersistence: {Backend: crypt.BackendLUKS, PartitionPath: "/dev/sdz3", MapperName: "luks-persistence"},
	}
	pass := map[plan.Role][]byte{plan.RolePersistence: []byte("correct horse")}

	if err := p.Populate(context.Background(), layout, vols, pass, Options{Flavor: plan.FlavorKali, MountBase: dir}); err != nil {
		t.Fatalf("populate: %v", err)
	}

	conf, err := os.ReadFile(filepath.Join(dir, "persistence", "persistence.conf"))
	if err != nil {
		t.Fatalf("persistence.conf: %v", err)
	}
	if string(conf) != "/ union\n" {
		t.Errorf("persistence.conf = %q", conf)
	}
	if opened != 1 || closed != 1 {
		t.Errorf("mapping lifecycle: opened %d, closed %d", opened, closed)
	}

	lines := fake.CommandLines()
	last := lines[len(lines)-1]
	if last != "cryptsetup close luks-persistence" {
		t.Errorf("mapping not closed, last command %q", last)
	}
}

func TestPopulatePersistenceTailsSkipsConf(t *testing.T) {
	dir := t.TempDir()
	fake := &shell.Fake{}
	p := newTestPopulator(fake)
	layout := partition.AppliedLayout{Parts: []partition.AppliedPart{
		{Spec: plan.Spec{Role: plan.RolePersistence, Index: 3, FSType: "ext4", Encrypted: true}, Path: "/dev/sdz3"},
	}}

	if err := p.Populate(context.Background(), layout, nil, nil, Options{Flavor: plan.FlavorTails, MountBase: dir}); err != nil {
		t.Fatalf("populate: %v", err)
	}
	// Tails finds its storage by label; the volume is never opened.
	if n := len(fake.Calls()); n != 0 {
		t.Errorf("%d commands ran for a Tails persistence region", n)
	}
}

func TestPopulateUtility(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "scripts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "scripts", "recover.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	fake := &shell.Fake{}
	p := newTestPopulator(fake)
	layout := partition.AppliedLayout{Parts: []partition.AppliedPart{
		{Spec: plan.Spec{Role: plan.RoleUtility, Index: 1, FSType: "vfat", Label: "UTIL"}, Path: "/dev/sdz1"},
	}}
	if err := p.Populate(context.Background(), layout, nil, nil, Options{Flavor: plan.FlavorKali, MountBase: dir, UtilitySrc: src}); err != nil {
		t.Fatalf("populate: %v", err)
	}

	mnt := filepath.Join(dir, "utility")
	if _, err := os.Stat(filepath.Join(mnt, "README.txt")); err != nil {
		t.Errorf("README.txt missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mnt, "scripts", "recover.sh")); err != nil {
		t.Errorf("utility payload not copied: %v", err)
	}

	lines := fake.CommandLines()
	if lines[0] != "mount /dev/sdz1 "+mnt {
		t.Errorf("first command %q", lines[0])
	}
	if lines[len(lines)-1] != "umount "+mnt {
		t.Errorf("last command %q", lines[len(lines)-1])
	}
}
