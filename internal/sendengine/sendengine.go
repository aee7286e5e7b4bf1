// Package sendengine transmits a folder's DICOM files to a downstream peer
// over a single association, ordered by modality, quarantining anything
// that fails to send.
package sendengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	netdicom "github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet"
	"github.com/Kiragroh/DICOM-RT-Station/internal/dicomnet/sopclass"
	"github.com/Kiragroh/DICOM-RT-Station/internal/codec"
	"github.com/Kiragroh/DICOM-RT-Station/internal/grouper"
	"github.com/Kiragroh/DICOM-RT-Station/internal/metrics"
	"github.com/Kiragroh/DICOM-RT-Station/internal/model"

	"github.com/yasushi-saito/go-dicom"
)

// ProgressFunc is called after each file in a batch finishes sending,
// whether it succeeded or not. It may be nil.
type ProgressFunc func(path string, obj *model.DicomObject, err error)

// Peer identifies a downstream node for one send.
type Peer struct {
	AET                    string
	IP                     string
	Port                   int
	SupportsStandardRTOnly bool // peer only accepts the standard RTPLAN SOP class
}

// Summary tallies per-modality outcomes for one SendFolder call.
type Summary struct {
	Total     map[model.Modality]int
	Succeeded map[model.Modality]int
}

// Engine sends folders to peers using a configured local AE title.
type Engine struct {
	localAETitle string
	receiveRoot  string // for relocating failures into <receiveRoot>/failed
	log          *logrus.Entry
}

// New builds a send Engine.
func New(localAETitle, receiveRoot string, log *logrus.Logger) *Engine {
	return &Engine{
		localAETitle: localAETitle,
		receiveRoot:  receiveRoot,
		log:          log.WithField("component", "sendengine"),
	}
}

type staged struct {
	path string
	obj  *model.DicomObject
}

// SendFolder enumerates *.dcm under folder, orders them by modality, opens
// one association to peer, and C-STOREs each in order. progress may be nil.
func (e *Engine) SendFolder(ctx context.Context, folder string, peer Peer, deleteAfter bool, progress ProgressFunc) (Summary, error) {
	summary := Summary{Total: map[model.Modality]int{}, Succeeded: map[model.Modality]int{}}

	files, err := enumerateDCM(folder)
	if err != nil {
		return summary, fmt.Errorf("sendengine: enumerate %s: %w", folder, err)
	}
	if len(files) == 0 {
		return summary, nil
	}

	var batch []staged
	for _, f := range files {
		obj, err := codec.Read(f, true)
		if err != nil {
			e.quarantine(f, err)
			continue
		}
		batch = append(batch, staged{path: f, obj: obj})
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].obj.Modality.SendRank() < batch[j].obj.Modality.SendRank()
	})

	params, err := netdicom.NewServiceUserParams(peer.AET, e.localAETitle, sopclass.StorageClasses, nil)
	if err != nil {
		return summary, fmt.Errorf("sendengine: %w", err)
	}
	user := netdicom.NewServiceUser(fmt.Sprintf("%s:%d", peer.IP, peer.Port), params)
	defer user.Release()

	start := time.Now()
	defer func() {
		metrics.AssociationDuration.WithLabelValues(peer.AET).Observe(time.Since(start).Seconds())
	}()

	allSucceeded := true
	ctCoalesced := 0
	for _, item := range batch {
		summary.Total[item.obj.Modality]++
		metrics.SendsAttempted.WithLabelValues(peer.AET, string(item.obj.Modality)).Inc()

		ds, err := toDataSet(item.obj, peer)
		var sendErr error
		if err != nil {
			sendErr = err
		} else {
			sendErr = user.CStore(ds)
		}

		if sendErr != nil {
			allSucceeded = false
			if item.obj.Modality == model.ModalityCT {
				ctCoalesced++
				if ctCoalesced == 1 {
					e.log.WithError(sendErr).WithField("path", item.path).Warn("C-STORE failed")
				}
			} else {
				e.log.WithError(sendErr).WithField("path", item.path).Warn("C-STORE failed")
			}
			metrics.SendsFailed.WithLabelValues(peer.AET, string(item.obj.Modality)).Inc()
			e.quarantine(item.path, fmt.Errorf("%w: %v", model.ErrStoreFailed, sendErr))
			if progress != nil {
				progress(item.path, item.obj, sendErr)
			}
			continue
		}
		summary.Succeeded[item.obj.Modality]++
		metrics.SendsSucceeded.WithLabelValues(peer.AET, string(item.obj.Modality)).Inc()
		if progress != nil {
			progress(item.path, item.obj, nil)
		}
	}
	if ctCoalesced > 1 {
		e.log.WithField("count", ctCoalesced).Warn("additional CT send failures suppressed above")
	}

	if deleteAfter && allSucceeded {
		for _, item := range batch {
			os.Remove(item.path)
		}
	}
	return summary, nil
}

func (e *Engine) quarantine(path string, cause error) {
	if err := grouper.MoveToFailed(e.receiveRoot, path, cause); err != nil {
		e.log.WithError(err).WithField("path", path).Error("failed to quarantine")
	}
}

func enumerateDCM(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".dcm" {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// toDataSet re-parses obj.RawBytes into a *dicom.DataSet for ServiceUser.CStore,
// applying the send-time SOP-class rewrite.
func toDataSet(obj *model.DicomObject, peer Peer) (*dicom.DataSet, error) {
	ds, err := dicom.ReadDataSetInBytes(obj.RawBytes, dicom.ReadOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrHeaderParse, err)
	}
	rewritten := codec.RewriteSOPClassForSend(obj.SOPClassUID, peer.SupportsStandardRTOnly)
	if rewritten == obj.SOPClassUID {
		return ds, nil
	}
	for _, elem := range ds.Elements {
		if elem.Tag == dicom.TagMediaStorageSOPClassUID {
			*elem = *dicom.MustNewElement(dicom.TagMediaStorageSOPClassUID, rewritten)
		}
	}
	return ds, nil
}
