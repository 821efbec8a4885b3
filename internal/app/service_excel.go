package app

import (
	"context"
	"errors"
	"path"
	"strings"

	"gridbook/api/internal/audit"
	"gridbook/api/internal/blobstore"
	"gridbook/api/internal/export"
	"gridbook/api/internal/gate"
	"gridbook/api/internal/quota"
	"gridbook/api/internal/workbook"
)

// openWorkbook loads the identity's target workbook. A missing object is
// a fresh workbook: the blob is created lazily on first write.
func (s *Service) openWorkbook(ctx context.Context, key string) (*workbook.Workbook, string, error) {
	data, etag, err := s.objects.Download(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		wb, openErr := workbook.Open(nil)
		return wb, "", openErr
	}
	if err != nil {
		return nil, "", err
	}
	wb, err := workbook.Open(data)
	if errors.Is(err, workbook.ErrInvalidWorkbook) {
		return nil, "", domainError(422, "invalid_workbook", "The stored workbook is not readable.", nil)
	}
	if err != nil {
		return nil, "", err
	}
	return wb, etag, nil
}

// saveWorkbook writes the mutated workbook back. With an expected
// version the write is conditional; the conflict maps to 409 so the
// client can reload. Without one, last writer wins.
func (s *Service) saveWorkbook(ctx context.Context, key string, wb *workbook.Workbook, expectedETag string) (string, error) {
	data, err := wb.Bytes()
	if err != nil {
		return "", err
	}
	etag, err := s.objects.Upload(ctx, key, data, xlsxContentType, expectedETag)
	if errors.Is(err, blobstore.ErrVersionConflict) {
		return "", domainError(409, "version_conflict", "The workbook changed since you loaded it. Reload and retry.", nil)
	}
	return etag, err
}

// Sheets lists the sheet names of the caller's workbook with their most
// recently edited sheet, per the audit trail, moved to the front. A
// superadmin's list also unions in the master workbook's names. Both are
// served-only adjustments; the workbook's internal order stays put.
func (s *Service) Sheets(ctx context.Context, id gate.Identity) ([]string, error) {
	wb, _, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	sheets := wb.SheetList()
	if id.Role == gate.RoleSuperadmin && id.ObjectKey != s.cfg.MasterKey {
		if master, err := s.storedSheetNames(ctx, s.cfg.MasterKey); err == nil {
			sheets = mergeSheetNames(sheets, master)
		}
	}
	if id.UserID != "" {
		if latest, err := s.audit.LatestSheet(ctx, id.UserID); err == nil {
			sheets = audit.PinFirst(sheets, latest)
		}
	}
	return sheets, nil
}

// storedSheetNames reads the sheet names of an already-persisted
// workbook blob. A missing blob is an error; nothing is created.
func (s *Service) storedSheetNames(ctx context.Context, key string) ([]string, error) {
	data, _, err := s.objects.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	wb, err := workbook.Open(data)
	if err != nil {
		return nil, err
	}
	defer wb.Close()
	return wb.SheetList(), nil
}

// mergeSheetNames appends names from extra that own lacks, keeping both
// relative orders.
func mergeSheetNames(own, extra []string) []string {
	seen := make(map[string]bool, len(own))
	for _, name := range own {
		seen[name] = true
	}
	for _, name := range extra {
		if !seen[name] {
			own = append(own, name)
			seen[name] = true
		}
	}
	return own
}

// Preview returns one sheet's grid, at least 1x1, along with the
// resolved sheet name when the caller left it blank.
func (s *Service) Preview(ctx context.Context, id gate.Identity, sheet string) (string, [][]string, int, int, error) {
	wb, _, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return "", nil, 0, 0, err
	}
	defer wb.Close()

	if sheet == "" {
		sheet = wb.SheetList()[0]
	}
	grid, h, w, err := wb.Preview(sheet)
	if errors.Is(err, workbook.ErrSheetNotFound) {
		return "", nil, 0, 0, domainError(404, "sheet_not_found", "No such sheet.", nil)
	}
	return sheet, grid, h, w, err
}

// AddSheet creates a sheet in the caller's workbook.
func (s *Service) AddSheet(ctx context.Context, id gate.Identity, name string, overwrite bool) ([]string, error) {
	if err := s.consumeQuota(ctx, id, quota.FamilyMutate); err != nil {
		return nil, err
	}

	wb, etag, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	if err := wb.AddSheet(name, overwrite); err != nil {
		if errors.Is(err, workbook.ErrSheetExists) {
			return nil, domainError(409, "sheet_exists", "A sheet with that name already exists.", nil)
		}
		return nil, domainError(400, "bad_sheet_name", "Sheet name is not usable.", nil)
	}
	if _, err := s.saveWorkbook(ctx, id.ObjectKey, wb, etag); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, id, "add_sheet", name, map[string]any{"overwrite": overwrite})
	s.publish("excel:sheet-added", map[string]any{"sheet": name})
	return wb.SheetList(), nil
}

// DeleteSheet removes a sheet; the workbook always keeps at least one.
func (s *Service) DeleteSheet(ctx context.Context, id gate.Identity, name string) ([]string, error) {
	if err := s.consumeQuota(ctx, id, quota.FamilyMutate); err != nil {
		return nil, err
	}

	wb, etag, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	if err := wb.DeleteSheet(name); err != nil {
		if errors.Is(err, workbook.ErrSheetNotFound) {
			return nil, domainError(404, "sheet_not_found", "No such sheet.", nil)
		}
		return nil, err
	}
	if _, err := s.saveWorkbook(ctx, id.ObjectKey, wb, etag); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, id, "delete_sheet", name, nil)
	s.publish("excel:sheet-deleted", map[string]any{"sheet": name})
	return wb.SheetList(), nil
}

// SaveAll replaces a sheet's full grid. Free-plan saves are bounded by
// the row cap; the submitted grid is measured before normalization.
func (s *Service) SaveAll(ctx context.Context, id gate.Identity, sheet string, grid [][]any, expectedETag string) error {
	if gate.Metered(id) && s.cfg.FreeRowCap > 0 && len(grid) > s.cfg.FreeRowCap {
		return denialError(gate.RowCapExceeded(s.cfg.FreeRowCap))
	}
	if err := s.consumeQuota(ctx, id, quota.FamilyMutate); err != nil {
		return err
	}

	wb, etag, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return err
	}
	defer wb.Close()

	if expectedETag != "" {
		etag = expectedETag
	}
	if sheet == "" {
		sheet = wb.SheetList()[0]
	}
	if err := wb.SaveAll(sheet, grid); err != nil {
		return err
	}
	if _, err := s.saveWorkbook(ctx, id.ObjectKey, wb, etag); err != nil {
		return err
	}

	s.recordAudit(ctx, id, "save_all", sheet, map[string]any{"rows": len(grid)})
	s.publish("excel:saved", map[string]any{"sheet": sheet})
	return nil
}

// GetCell reads a single cell. Counts against the same daily quota as
// mutations on the free tier.
func (s *Service) GetCell(ctx context.Context, id gate.Identity, sheet, address string) (string, error) {
	if err := s.consumeQuota(ctx, id, quota.FamilyMutate); err != nil {
		return "", err
	}

	wb, _, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return "", err
	}
	defer wb.Close()

	if sheet == "" {
		sheet = wb.SheetList()[0]
	}
	value, err := wb.GetCell(sheet, address)
	if errors.Is(err, workbook.ErrSheetNotFound) {
		return "", domainError(404, "sheet_not_found", "No such sheet.", nil)
	}
	if errors.Is(err, workbook.ErrBadAddress) {
		return "", domainError(400, "bad_address", "Cell address is not valid.", nil)
	}
	if err != nil {
		return "", err
	}

	s.recordAudit(ctx, id, "get_cell", sheet, map[string]any{"address": address})
	return value, nil
}

// DownloadWorkbook returns the raw workbook blob for file download.
// Paid plans and elevated roles only.
func (s *Service) DownloadWorkbook(ctx context.Context, id gate.Identity) ([]byte, string, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, "", denialError(d)
	}
	if d := gate.Check(id, gate.PremiumOrAbove); d != nil {
		return nil, "", denialError(d)
	}
	data, _, err := s.objects.Download(ctx, id.ObjectKey)
	if errors.Is(err, blobstore.ErrNotFound) {
		wb, openErr := workbook.Open(nil)
		if openErr != nil {
			return nil, "", openErr
		}
		defer wb.Close()
		if data, err = wb.Bytes(); err != nil {
			return nil, "", err
		}
	} else if err != nil {
		return nil, "", err
	}
	filename := path.Base(id.ObjectKey)
	if filename == "." || filename == "/" {
		filename = "workbook.xlsx"
	}
	s.recordAudit(ctx, id, "download", "", nil)
	return data, filename, nil
}

// UploadWorkbook replaces the caller's stored workbook with an uploaded
// file. The blob must parse; garbage is rejected before it is stored.
func (s *Service) UploadWorkbook(ctx context.Context, id gate.Identity, data []byte) ([]string, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	if err := s.consumeQuota(ctx, id, quota.FamilyMutate); err != nil {
		return nil, err
	}

	wb, err := workbook.Open(data)
	if errors.Is(err, workbook.ErrInvalidWorkbook) {
		return nil, domainError(422, "invalid_workbook", "The uploaded file is not a readable workbook.", nil)
	}
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	if _, err := s.objects.Upload(ctx, id.ObjectKey, data, xlsxContentType, ""); err != nil {
		return nil, err
	}

	s.recordAudit(ctx, id, "upload", "", map[string]any{"bytes": len(data)})
	s.publish("excel:uploaded", map[string]any{"sheets": wb.SheetList()})
	return wb.SheetList(), nil
}

// ExportCSV renders one sheet as CSV. Paid plans and elevated roles only.
func (s *Service) ExportCSV(ctx context.Context, id gate.Identity, sheet string) (*export.Result, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	if d := gate.Check(id, gate.PremiumOrAbove); d != nil {
		return nil, denialError(d)
	}
	if err := s.consumeQuota(ctx, id, quota.FamilyExport); err != nil {
		return nil, err
	}

	name, grid, _, _, err := s.Preview(ctx, id, sheet)
	if err != nil {
		return nil, err
	}
	result, err := export.CSV(export.Sheet{Name: name, Grid: grid})
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "export_csv", name, nil)
	return result, nil
}

// ExportPDF renders the whole workbook as a landscape PDF. Paid plans
// and elevated roles only.
func (s *Service) ExportPDF(ctx context.Context, id gate.Identity) (*export.Result, error) {
	if d := gate.Check(id, gate.Authenticated); d != nil {
		return nil, denialError(d)
	}
	if d := gate.Check(id, gate.PremiumOrAbove); d != nil {
		return nil, denialError(d)
	}
	if err := s.consumeQuota(ctx, id, quota.FamilyExport); err != nil {
		return nil, err
	}

	wb, _, err := s.openWorkbook(ctx, id.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer wb.Close()

	var sheets []export.Sheet
	for _, name := range wb.SheetList() {
		grid, _, _, err := wb.Preview(name)
		if err != nil {
			return nil, err
		}
		sheets = append(sheets, export.Sheet{Name: name, Grid: grid})
	}

	title := strings.TrimSuffix(path.Base(id.ObjectKey), path.Ext(id.ObjectKey))
	result, err := export.PDF(title, sheets)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(503, "pdf_unavailable", "PDF export is not available on this server.", nil)
	}
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, id, "export_pdf", "", map[string]any{"sheets": len(sheets)})
	return result, nil
}
