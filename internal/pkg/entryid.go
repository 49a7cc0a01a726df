package pkg

// EntryID tags one meta entry in the package body.
type EntryID uint32

// Known entry IDs.
const (
	EntryDigests        EntryID = 0x0001
	EntryEntryKeys      EntryID = 0x0010
	EntryImageKey       EntryID = 0x0020
	EntryGeneralDigests EntryID = 0x0080
	EntryMetas          EntryID = 0x0100
	EntryNames          EntryID = 0x0200

	EntryLicenseDat        EntryID = 0x0400
	EntryLicenseInfo       EntryID = 0x0401
	EntryNpTitleDat        EntryID = 0x0402
	EntryNpBindDat         EntryID = 0x0403
	EntrySelfInfoDat       EntryID = 0x0404
	EntryImageInfoDat      EntryID = 0x0406
	EntryTargetDeltaInfo   EntryID = 0x0407
	EntryOriginDeltaInfo   EntryID = 0x0408
	EntryPsReservedDat     EntryID = 0x0409
	EntryParamSfo          EntryID = 0x1000
	EntryPlaygoChunkDat    EntryID = 0x1001
	EntryPlaygoChunkSha    EntryID = 0x1002
	EntryPlaygoManifestXML EntryID = 0x1003
	EntryPronunciationXML  EntryID = 0x1004
	EntryPronunciationSig  EntryID = 0x1005
	EntryPic1Png           EntryID = 0x1006
	EntryPubtoolinfoDat    EntryID = 0x1007
	EntryAppPlaygoChunkDat EntryID = 0x1008
	EntryAppPlaygoChunkSha EntryID = 0x1009
	EntryAppPlaygoManifest EntryID = 0x100A
	EntryShareparamJSON    EntryID = 0x100B
	EntryShareOverlayPng   EntryID = 0x100C
	EntrySaveDataPng       EntryID = 0x100D
	EntryPrivacyGuardPng   EntryID = 0x100E
	EntryIcon0Png          EntryID = 0x1200
	EntryPic0Png           EntryID = 0x1220
	EntrySnd0At9           EntryID = 0x1240
	EntryChangeinfoXML     EntryID = 0x1260
	EntryIcon0Dds          EntryID = 0x1280
	EntryPic0Dds           EntryID = 0x12A0
	EntryPic1Dds           EntryID = 0x12C0
	EntryTrophy00Trp       EntryID = 0x1400
)

// entryNames maps known IDs to the file names the packer assigned them.
var entryNames = map[EntryID]string{
	EntryDigests:           ".digests",
	EntryEntryKeys:         ".entry_keys",
	EntryImageKey:          ".image_key",
	EntryGeneralDigests:    ".general_digests",
	EntryMetas:             ".metas",
	EntryNames:             ".entry_names",
	EntryLicenseDat:        "license.dat",
	EntryLicenseInfo:       "license.info",
	EntryNpTitleDat:        "nptitle.dat",
	EntryNpBindDat:         "npbind.dat",
	EntrySelfInfoDat:       "selfinfo.dat",
	EntryImageInfoDat:      "imageinfo.dat",
	EntryTargetDeltaInfo:   "target-deltainfo.dat",
	EntryOriginDeltaInfo:   "origin-deltainfo.dat",
	EntryPsReservedDat:     "psreserved.dat",
	EntryParamSfo:          "param.sfo",
	EntryPlaygoChunkDat:    "playgo-chunk.dat",
	EntryPlaygoChunkSha:    "playgo-chunk.sha",
	EntryPlaygoManifestXML: "playgo-manifest.xml",
	EntryPronunciationXML:  "pronunciation.xml",
	EntryPronunciationSig:  "pronunciation.sig",
	EntryPic1Png:           "pic1.png",
	EntryPubtoolinfoDat:    "pubtoolinfo.dat",
	EntryAppPlaygoChunkDat: "app/playgo-chunk.dat",
	EntryAppPlaygoChunkSha: "app/playgo-chunk.sha",
	EntryAppPlaygoManifest: "app/playgo-manifest.xml",
	EntryShareparamJSON:    "shareparam.json",
	EntryShareOverlayPng:   "shareoverlayimage.png",
	EntrySaveDataPng:       "save_data.png",
	EntryPrivacyGuardPng:   "shareprivacyguardimage.png",
	EntryIcon0Png:          "icon0.png",
	EntryPic0Png:           "pic0.png",
	EntrySnd0At9:           "snd0.at9",
	EntryChangeinfoXML:     "changeinfo/changeinfo.xml",
	EntryIcon0Dds:          "icon0.dds",
	EntryPic0Dds:           "pic0.dds",
	EntryPic1Dds:           "pic1.dds",
	EntryTrophy00Trp:       "trophy/trophy00.trp",
}

// Name returns the well-known file name for the entry ID, or "".
func (id EntryID) Name() string {
	return entryNames[id]
}

// generatedIDs are entries the packer synthesizes; the exporter skips them
// because a rebuild recreates them.
var generatedIDs = map[EntryID]struct{}{
	EntryDigests:           {},
	EntryEntryKeys:         {},
	EntryImageKey:          {},
	EntryGeneralDigests:    {},
	EntryMetas:             {},
	EntryNames:             {},
	EntryLicenseDat:        {},
	EntryLicenseInfo:       {},
	EntryPsReservedDat:     {},
	EntryPlaygoChunkDat:    {},
	EntryPlaygoChunkSha:    {},
	EntryPlaygoManifestXML: {},
	EntryAppPlaygoChunkDat: {},
	EntryAppPlaygoChunkSha: {},
	EntryAppPlaygoManifest: {},
}

// Generated reports whether the entry is recreated at packaging time.
func (id EntryID) Generated() bool {
	_, ok := generatedIDs[id]
	return ok
}
