package filebuffer

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/xattr"
	"github.com/relex/gotils/logger"
	"github.com/relex/slog-relay/util"
)

const queueDirHashLength = 8
const xattrStreamID = "user.slogrelay.streamID"

// makeStreamQueueDir creates (or reuses) the queue dir of a stream and labels it
// with the exact stream ID, since dir names are sanitized and hashed
func makeStreamQueueDir(parentLogger logger.Logger, rootPath string, streamID string) string {
	dirname := sanitizeDirName(streamID)
	if dirname != streamID {
		parentLogger.Debugf("unclean stream ID as dirname: '%s'", streamID)
	}
	// a stream ID changed by sanitization still gets a unique dir due to the hash
	hash := util.MD5ToHexdigest(streamID)
	path := filepath.Join(rootPath, dirname+"."+hash[len(hash)-queueDirHashLength:])

	if derr := os.MkdirAll(path, 0755); derr != nil {
		parentLogger.Errorf("error creating queue dir path='%s': %s", path, derr.Error())
	}
	if xerr := xattr.Set(path, xattrStreamID, []byte(streamID)); xerr != nil {
		parentLogger.Warnf("error labelling id on queue dir path='%s': %s", path, xerr)
	}
	return path
}

// listStreamQueueDirs scans the root dir for existing stream queues and returns
// stream IDs read back from the dir labels
func listStreamQueueDirs(parentLogger logger.Logger, rootPath string) []string {
	dirList, derr := os.ReadDir(rootPath)
	if derr != nil {
		if !os.IsNotExist(derr) {
			parentLogger.Errorf("error scanning root dir path='%s': %s", rootPath, derr.Error())
		}
		return nil
	}

	streamIDs := make([]string, 0, len(dirList))
	for _, dirEntry := range dirList {
		if !dirEntry.IsDir() {
			continue
		}
		path := filepath.Join(rootPath, dirEntry.Name())
		label, xerr := xattr.Get(path, xattrStreamID)
		if xerr != nil {
			parentLogger.Warnf("skip unlabelled dir path='%s': %s", path, xerr)
			continue
		}
		streamIDs = append(streamIDs, string(label))
	}
	sort.Strings(streamIDs)
	return streamIDs
}

func sanitizeDirName(streamID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.' || r == '~':
			return r
		default:
			return '_'
		}
	}, streamID)
}
