package pbs

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DialectMetacentrum = "metacentrum"
	DialectPBSPro      = "pbspro"
	DialectHydra       = "hydra"

	outputFile = "pbs_output"
	errorFile  = "pbs_error"
)

// Dialect renders one batch system flavour.
type Dialect interface {
	// Name is the registry key.
	Name() string
	DisplayName() string
	// QueueFile names the optional file listing queues of the system.
	QueueFile() string
	// Directives returns the script header lines for a submission whose work
	// directory is workDir.
	Directives(workDir string, cfg Config) []string
	// SubmitArgs are extra arguments placed before the script path.
	SubmitArgs() []string
	// OutputOverride reports where the batch system writes job stdout when
	// it differs from <workDir>/pbs_output.
	OutputOverride(workDir string, cfg Config) (string, bool)
}

// Metacentrum is PBS Torque as deployed on Metacentrum.
type Metacentrum struct{}

func (Metacentrum) Name() string        { return DialectMetacentrum }
func (Metacentrum) DisplayName() string { return "PBS Metacentrum" }
func (Metacentrum) QueueFile() string   { return "metacentrum_queues.txt" }
func (Metacentrum) SubmitArgs() []string {
	return nil
}

func (Metacentrum) OutputOverride(string, Config) (string, bool) {
	return "", false
}

func (Metacentrum) Directives(workDir string, cfg Config) []string {
	out := []string{
		"#PBS -S /bin/bash",
		"#PBS -o " + filepath.Join(workDir, outputFile),
		"#PBS -e " + filepath.Join(workDir, errorFile),
		"#PBS -d " + workDir,
	}
	if cfg.Name != "" {
		out = append(out, "#PBS -N "+cfg.Name)
	}
	if cfg.Nodes > 1 && cfg.PPN > 1 {
		line := fmt.Sprintf("#PBS -l nodes=%d:ppn=%d", cfg.Nodes, cfg.PPN)
		if cfg.Infiniband {
			line += ":infiniband"
		}
		out = append(out, line)
	}
	if mem := resource(cfg.Memory); mem != "" {
		out = append(out, "#PBS -l mem="+mem)
	}
	if scratch := resource(cfg.Scratch); scratch != "" {
		out = append(out, "#PBS -l scratch="+scratch)
	}
	if cfg.Walltime != "" {
		out = append(out, "#PBS -l walltime="+cfg.Walltime)
	}
	if cfg.Queue != "" {
		out = append(out, "#PBS -q "+cfg.Queue)
	}
	return out
}

// PBSPro uses the select= resource syntax.
type PBSPro struct{}

func (PBSPro) Name() string        { return DialectPBSPro }
func (PBSPro) DisplayName() string { return "PBS Pro" }
func (PBSPro) QueueFile() string   { return "pbspro_queues.txt" }
func (PBSPro) SubmitArgs() []string {
	return nil
}

func (PBSPro) OutputOverride(string, Config) (string, bool) {
	return "", false
}

func (PBSPro) Directives(workDir string, cfg Config) []string {
	out := []string{
		"#PBS -S /bin/bash",
		fmt.Sprintf("#PBS -o %q", filepath.Join(workDir, outputFile)),
		fmt.Sprintf("#PBS -e %q", filepath.Join(workDir, errorFile)),
	}
	if cfg.Name != "" {
		out = append(out, "#PBS -N "+cfg.Name)
	}
	chunks, ncpus := 1, 1
	if cfg.Nodes > 0 {
		chunks = cfg.Nodes
	}
	if cfg.PPN > 0 {
		ncpus = cfg.PPN
	}
	selectLine := fmt.Sprintf("#PBS -l select=%d:ncpus=%d", chunks, ncpus)
	if mem := resource(cfg.Memory); mem != "" {
		selectLine += ":mem=" + mem
	}
	if scratch := resource(cfg.Scratch); scratch != "" {
		selectLine += ":scratch_local=" + scratch
	}
	out = append(out, selectLine)
	if cfg.Infiniband && chunks > 1 {
		out = append(out, "#PBS -l place=group=infiniband")
	}
	walltime := "1:00:00"
	if cfg.Walltime != "" {
		walltime = cfg.Walltime
	}
	out = append(out, "#PBS -l walltime="+walltime)
	if cfg.Queue != "" {
		out = append(out, "#PBS -q "+cfg.Queue)
	}
	return out
}

// Hydra is an SGE installation using #$ directives.
type Hydra struct{}

func (Hydra) Name() string        { return DialectHydra }
func (Hydra) DisplayName() string { return "Hydra" }
func (Hydra) QueueFile() string   { return "hydra_queues.txt" }
func (Hydra) SubmitArgs() []string {
	return nil
}

// SGE resolves -o relative to the job name directory.
func (Hydra) OutputOverride(workDir string, cfg Config) (string, bool) {
	if cfg.Name == "" {
		return "", false
	}
	return filepath.Join(workDir, cfg.Name, outputFile), true
}

func (h Hydra) Directives(workDir string, cfg Config) []string {
	base := workDir
	if cfg.Name != "" {
		base = filepath.Join(workDir, cfg.Name)
	}
	out := []string{
		"#$ -cwd",
		"#$ -S /bin/bash",
		"#$ -terse",
		"#$ -o " + filepath.Join(base, outputFile),
		"#$ -e " + filepath.Join(base, errorFile),
	}
	if cfg.Queue != "" {
		out = append(out, "#$ -q "+cfg.Queue)
	}
	if cfg.Nodes > 1 {
		out = append(out, "#$ -pe openmpi "+strconv.Itoa(cfg.Nodes))
	}
	var resources []string
	if n, err := ParseSize(cfg.Memory); err == nil && n > 0 {
		resources = append(resources, "mem="+strconv.FormatUint(megabytes(n), 10))
	}
	if n, err := ParseSize(cfg.Scratch); err == nil && n > 0 {
		resources = append(resources, "scratch="+strconv.FormatUint(megabytes(n), 10))
	}
	if cfg.Walltime != "" {
		resources = append(resources, "h_rt="+cfg.Walltime)
	}
	if len(resources) > 0 {
		out = append(out, "#$ -l "+strings.Join(resources, ","))
	}
	return out
}
