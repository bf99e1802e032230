package manifest

// Diff returns every remote entry that is missing locally or whose
// fingerprint differs, in remote order. A nil local record means nothing is
// cached and the whole remote list is returned.
func Diff(local *FileListRecord, remote FileListRecord) []FileEntry {
	var have map[string]FileEntry
	if local != nil {
		have = local.Index()
	}

	changed := make([]FileEntry, 0, len(remote.Files))
	for _, r := range remote.Files {
		l, ok := have[r.Path]
		if ok && l.Fingerprint == r.Fingerprint {
			continue
		}
		changed = append(changed, r)
	}
	return changed
}
