package qbit

import "time"

// Stats is one successful snapshot of an instance's global state.
type Stats struct {
	UploadSpeed     int64 // bytes/s
	DownloadSpeed   int64 // bytes/s
	ActiveDownloads int
	FreeSpace       int64 // bytes
}

// Progress describes one torrent's tracker-visible progress.
type Progress struct {
	Peers    int     // connected leechers
	Seeds    int     // connected seeds
	Progress float64 // 0..1
}

// AddRequest describes a torrent to add. Exactly one of URL or FilePath
// must be set.
type AddRequest struct {
	URL      string
	FilePath string
	Category string
	SavePath string
	Paused   bool
	UpLimit  int64 // bytes/s, 0 = unlimited
	DlLimit  int64
}

// Session holds the authenticated SID cookie for one instance. It is an
// opaque handle: callers store it and pass it back, nothing more.
type Session struct {
	sid      string
	loggedIn time.Time
}

func (s *Session) valid() bool { return s != nil && s.sid != "" }

// maindataResponse mirrors the fields of /api/v2/sync/maindata we consume.
type maindataResponse struct {
	ServerState struct {
		UpSpeed   int64 `json:"up_info_speed"`
		DlSpeed   int64 `json:"dl_info_speed"`
		FreeSpace int64 `json:"free_space_on_disk"`
	} `json:"server_state"`
	Torrents map[string]struct {
		State string `json:"state"`
	} `json:"torrents"`
}

type torrentInfo struct {
	Hash      string  `json:"hash"`
	Name      string  `json:"name"`
	NumLeechs int     `json:"num_leechs"`
	NumSeeds  int     `json:"num_seeds"`
	Progress  float64 `json:"progress"`
	AddedOn   int64   `json:"added_on"`
}
