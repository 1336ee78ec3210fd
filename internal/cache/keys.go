package cache

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/stripecache/stripecache/internal/fragment"
)

// objectSpace 是对象 key 的 UUIDv5 命名空间。
var objectSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://stripecache.dev/object"))

// ObjectKey 由 hub 与路径派生对象 key，同时作为首片段 key。
func ObjectKey(locator Locator) fragment.Key {
	return fragment.Key(uuid.NewSHA1(objectSpace, []byte(locatorKey(locator))))
}

// FragmentKey 返回对象第 i 个片段的 key，i 为 0 时即对象 key。
func FragmentKey(object fragment.Key, i int) fragment.Key {
	if i == 0 {
		return object
	}
	return fragment.Key(uuid.NewSHA1(uuid.UUID(object), []byte(strconv.Itoa(i))))
}

func locatorKey(locator Locator) string {
	return locator.HubName + "::" + locator.Path
}
