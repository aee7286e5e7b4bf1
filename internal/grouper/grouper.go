// Package grouper joins RT Plans with their referenced Dose, Structure Set,
// and CT series, and places the result under per-patient, per-plan folders
// on disk. Objects that match no plan are placed as orphans.
package grouper

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/metrics"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"
	"github.com/Kiragroh/DICOM-RT-Station/internal/sanitize"
)

var doseNamePattern = regexp.MustCompile(`(?i)dose|rtdose`)

// FailHandler relocates a file that could not be placed, recording why.
type FailHandler func(path string, cause error)

// PlacedPlan describes one plan folder produced by a Group call, for the
// orchestrator to pick up and evaluate forwarding rules against.
type PlacedPlan struct {
	Folder         string
	Plan           *model.DicomObject
	SourceAE       string
}

// Grouper places flushed receive-bucket files into the receive-root
// filesystem layout.
type Grouper struct {
	receiveRoot string
	onFail      FailHandler
	log         *logrus.Entry
}

// New builds a Grouper rooted at receiveRoot.
func New(receiveRoot string, onFail FailHandler, log *logrus.Logger) *Grouper {
	return &Grouper{
		receiveRoot: receiveRoot,
		onFail:      onFail,
		log:         log.WithField("component", "grouper"),
	}
}

type parsed struct {
	path string
	obj  *model.DicomObject
}

// Group parses, partitions, joins, and places every file in paths. It
// returns the plans it placed, for the orchestrator's forwarding step.
func (g *Grouper) Group(paths []string) []PlacedPlan {
	var items []parsed
	for _, p := range paths {
		obj, err := codec.Read(p, true)
		if err != nil {
			if doseNamePattern.MatchString(filepath.Base(p)) {
				items = append(items, parsed{path: p, obj: rawDoseFallback(p)})
				continue
			}
			g.log.WithError(err).WithField("path", p).Warn("header parse failed, quarantining")
			g.onFail(p, err)
			continue
		}
		items = append(items, parsed{path: p, obj: obj})
	}

	var plans, cts, structs, other []parsed
	for _, it := range items {
		switch it.obj.Modality {
		case model.ModalityRTPlan:
			plans = append(plans, it)
		case model.ModalityCT:
			cts = append(cts, it)
		case model.ModalityRTStruc:
			structs = append(structs, it)
		default:
			other = append(other, it)
		}
	}

	claimed := make(map[string]bool, len(items))
	var placed []PlacedPlan
	for _, plan := range plans {
		folder, err := g.planFolder(plan.obj)
		if err != nil {
			g.onFail(plan.path, err)
			continue
		}
		if err := os.MkdirAll(folder, 0o755); err != nil {
			g.onFail(plan.path, fmt.Errorf("%w: %v", model.ErrPlacementIO, err))
			continue
		}
		g.writeInto(folder, planFileName(plan.obj), plan.obj, plan.path)
		claimed[plan.path] = true

		for _, it := range other {
			if claimed[it.path] || it.obj.Modality != model.ModalityRTDose {
				continue
			}
			if it.obj.ReferencedRTPlanSOPInstanceUID != plan.obj.SOPInstanceUID {
				continue
			}
			if it.obj.PatientID != plan.obj.PatientID {
				g.log.WithFields(logrus.Fields{
					"plan_patient": plan.obj.PatientID,
					"dose_patient": it.obj.PatientID,
				}).Warn("rejecting cross-patient dose match")
				continue
			}
			g.writeInto(folder, doseFileName(plan.obj), it.obj, it.path)
			claimed[it.path] = true
		}
		for _, it := range structs {
			if it.obj.PatientID != plan.obj.PatientID {
				continue
			}
			if it.obj.FrameOfReferenceUID == "" || it.obj.FrameOfReferenceUID != plan.obj.FrameOfReferenceUID {
				continue
			}
			g.writeInto(folder, structFileName(plan.obj), it.obj, it.path)
			claimed[it.path] = true
		}
		for _, it := range cts {
			if it.obj.PatientID != plan.obj.PatientID {
				continue
			}
			if it.obj.FrameOfReferenceUID == "" || it.obj.FrameOfReferenceUID != plan.obj.FrameOfReferenceUID {
				continue
			}
			g.writeInto(folder, ctFileName(it.obj), it.obj, it.path)
			claimed[it.path] = true
		}
		metrics.PlansGrouped.Inc()
		placed = append(placed, PlacedPlan{Folder: folder, Plan: plan.obj, SourceAE: sourceAE(plan.obj)})
	}

	for _, group := range [][]parsed{cts, structs, other} {
		for _, it := range group {
			if claimed[it.path] {
				continue
			}
			g.placeOrphan(it)
		}
	}
	return placed
}

func sourceAE(obj *model.DicomObject) string {
	if obj.SourceApplicationEntityTitle != "" {
		return obj.SourceApplicationEntityTitle
	}
	return model.ImportFolderAE
}

func rawDoseFallback(path string) *model.DicomObject {
	raw, err := os.ReadFile(path)
	obj := &model.DicomObject{Modality: model.ModalityRTDose, HeaderOnly: false}
	if err == nil {
		obj.RawBytes = raw
	}
	return obj
}

func (g *Grouper) planFolder(plan *model.DicomObject) (string, error) {
	if plan.PatientID == "" {
		return "", fmt.Errorf("%w: plan has no PatientID", model.ErrHeaderParse)
	}
	patientDir := fmt.Sprintf("%s (%s)", sanitize.PatientName(plan.PatientName), sanitize.Component(plan.PatientID))
	planDir := fmt.Sprintf("%s_%s", sanitize.Component(planLabelOrDefault(plan)), studyIDSuffix(plan.StudyInstanceUID))
	return filepath.Join(g.receiveRoot, patientDir, planDir), nil
}

func planLabelOrDefault(obj *model.DicomObject) string {
	if obj.RTPlanLabel != "" {
		return obj.RTPlanLabel
	}
	return "Plan"
}

func studyIDSuffix(studyInstanceUID string) string {
	parts := strings.Split(studyInstanceUID, ".")
	if len(parts) == 0 {
		return "0"
	}
	return parts[len(parts)-1]
}

func planFileName(obj *model.DicomObject) string {
	return fmt.Sprintf("RTPLAN_%s.dcm", sanitize.Component(planLabelOrDefault(obj)))
}

func doseFileName(plan *model.DicomObject) string {
	return fmt.Sprintf("RTDOSE_%s.dcm", sanitize.Component(planLabelOrDefault(plan)))
}

func structFileName(plan *model.DicomObject) string {
	return fmt.Sprintf("RTSTRUCT_%s.dcm", sanitize.Component(planLabelOrDefault(plan)))
}

func ctFileName(obj *model.DicomObject) string {
	return fmt.Sprintf("CT.%s.dcm", sanitize.Component(obj.SOPInstanceUID))
}

func (g *Grouper) writeInto(folder, name string, obj *model.DicomObject, srcPath string) {
	dest := filepath.Join(folder, name)
	mode := codec.Reencode
	if obj.Modality == model.ModalityRTDose {
		mode = codec.VerbatimBytes
	}
	if err := codec.Write(dest, obj, mode); err != nil {
		g.onFail(srcPath, err)
		return
	}
	os.Remove(srcPath)
}

func (g *Grouper) placeOrphan(it parsed) {
	if it.obj.PatientID == "" {
		g.onFail(it.path, fmt.Errorf("%w: orphan has no PatientID", model.ErrHeaderParse))
		return
	}
	patientDir := fmt.Sprintf("%s (%s)", sanitize.PatientName(it.obj.PatientName), sanitize.Component(it.obj.PatientID))
	orphanDir := filepath.Join(g.receiveRoot, patientDir, "Unzugeordnet_"+studyIDSuffix(it.obj.StudyInstanceUID))
	if err := os.MkdirAll(orphanDir, 0o755); err != nil {
		g.onFail(it.path, fmt.Errorf("%w: %v", model.ErrPlacementIO, err))
		return
	}
	var name string
	if it.obj.Modality == model.ModalityCT {
		name = ctFileName(it.obj)
	} else {
		label := it.obj.SeriesDescription
		if label == "" {
			label = it.obj.StudyDescription
		}
		if label == "" {
			label = "Unzugeordnet"
		}
		name = fmt.Sprintf("%s_%s.dcm", it.obj.Modality, sanitize.Component(label))
	}
	metrics.OrphansCreated.Inc()
	g.writeInto(orphanDir, name, it.obj, it.path)
}

// MoveToFailed relocates path into <receiveRoot>/failed with a sibling
// .error file describing cause, per the no-data-loss guarantee.
func MoveToFailed(receiveRoot, path string, cause error) error {
	failDir := filepath.Join(receiveRoot, "failed")
	if err := os.MkdirAll(failDir, 0o755); err != nil {
		return err
	}
	stamp := time.Now().Format("20060102_150405")
	dest := filepath.Join(failDir, stamp+"_"+filepath.Base(path))
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	os.Remove(path)
	errMsg := fmt.Sprintf("%s\noriginal: %s\ntime: %s\n", cause.Error(), path, time.Now().Format(time.RFC3339))
	return os.WriteFile(dest+".error", []byte(errMsg), 0o644)
}
